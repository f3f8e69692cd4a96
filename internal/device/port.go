package device

import (
	"io"
	"time"
)

// Port defines the minimal interface needed for a device transport.
// This abstraction enables unit testing without a running tracker server.
type Port interface {
	io.ReadWriter
	io.Closer
}

// DeadlinePort is implemented by socket transports (net.Conn) whose reads can
// be bounded with an absolute deadline.
type DeadlinePort interface {
	Port
	SetReadDeadline(t time.Time) error
}

// TimeoutPort is implemented by serial transports whose reads return (0, nil)
// once a relative timeout elapses without data.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener is a function type for opening serial ports.
// This allows for easier testing by replacing the opener function.
type PortOpener func(path string, opts PortOptions) (Port, error)

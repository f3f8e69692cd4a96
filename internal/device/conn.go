// Package device owns the transport to the gaze tracker: it dials the
// tracker's telemetry server (or opens a serial bridge), requests push mode,
// and exposes a bounded, cancellable chunk read.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gaze.report/internal/monitoring"
)

// DefaultAddress is the tracker server's fixed loopback telemetry port.
const DefaultAddress = "127.0.0.1:6555"

// Transports understood by Open.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// ChunkSize is the maximum number of bytes returned by one ReadChunk call.
const ChunkSize = 4096

// PushRequest asks the tracker to stream frames continuously.
var PushRequest = []byte(`{"category":"tracker","request":"set","values":{"push":true}}` + "\n")

// HeartbeatRequest keeps the tracker from dropping an otherwise silent client.
var HeartbeatRequest = []byte(`{"category":"heartbeat"}` + "\n")

var (
	// ErrConnection matches every *ConnectionError via errors.Is.
	ErrConnection = errors.New("device connection failed")
	// ErrTimedOut is returned by ReadChunk when no byte arrived within the
	// timeout. It is a signal to re-check cancellation, not a failure.
	ErrTimedOut = errors.New("device read timed out")
	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("device connection closed")
)

// ConnectionError reports a failure to establish the device connection or to
// deliver the handshake. It is fatal at startup.
type ConnectionError struct {
	Op   string // "dial", "open" or "handshake"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets callers test with errors.Is(err, ErrConnection).
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Options configures Open.
type Options struct {
	// Transport is "tcp" (default) or "serial". An Address with a
	// "serial://" prefix selects serial regardless.
	Transport string
	// Address is host:port for tcp or a device path for serial.
	Address string
	// Serial holds the line settings for the serial transport.
	Serial PortOptions
	// DialTimeout bounds the TCP connect. Zero means 5s.
	DialTimeout time.Duration
	// Handshake overrides PushRequest when non-nil.
	Handshake []byte
	// OpenSerial replaces the serial opener, for tests.
	OpenSerial PortOpener
}

// Conn is an established connection to the tracker.
//
// ReadChunk must only be called from one goroutine (the recorder loop);
// Write and Close are safe to call concurrently with it.
type Conn struct {
	port Port
	name string

	readBuf []byte
	// lastTimeout avoids re-arming serial read timeouts on every call.
	lastTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an already-established port. No handshake is sent.
func NewConn(port Port, name string) *Conn {
	return &Conn{
		port:    port,
		name:    name,
		readBuf: make([]byte, ChunkSize),
	}
}

// Open establishes the transport described by opts and sends the push
// handshake. Any failure is returned as a *ConnectionError and leaves nothing
// open.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	transport, addr := resolve(opts)

	var (
		port Port
		err  error
	)
	switch transport {
	case TransportSerial:
		opener := opts.OpenSerial
		if opener == nil {
			opener = openSerialPort
		}
		port, err = opener(addr, opts.Serial)
		if err != nil {
			return nil, &ConnectionError{Op: "open", Addr: addr, Err: err}
		}
	case TransportTCP:
		timeout := opts.DialTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		dialer := net.Dialer{Timeout: timeout}
		nc, derr := dialer.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return nil, &ConnectionError{Op: "dial", Addr: addr, Err: derr}
		}
		port = nc
	default:
		return nil, &ConnectionError{Op: "open", Addr: addr, Err: fmt.Errorf("unsupported transport %q", transport)}
	}

	c := NewConn(port, addr)

	handshake := opts.Handshake
	if handshake == nil {
		handshake = PushRequest
	}
	if err := c.Write(handshake); err != nil {
		c.Close()
		return nil, &ConnectionError{Op: "handshake", Addr: addr, Err: err}
	}

	monitoring.Logf("connected to gaze tracker at %s (%s), push mode requested", addr, transport)
	return c, nil
}

func resolve(opts Options) (transport, addr string) {
	addr = strings.TrimSpace(opts.Address)
	transport = opts.Transport
	if rest, ok := strings.CutPrefix(addr, "serial://"); ok {
		return TransportSerial, rest
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = rest
		transport = TransportTCP
	}
	if transport == "" {
		transport = TransportTCP
	}
	if addr == "" && transport == TransportTCP {
		addr = DefaultAddress
	}
	return transport, addr
}

// Name returns the address or device path the connection was opened with.
func (c *Conn) Name() string { return c.name }

// ReadChunk blocks until at least one byte is available or timeout elapses.
// It returns a freshly allocated non-empty slice, ErrTimedOut, or the
// transport error (io.EOF when the tracker hung up). A zero timeout blocks
// until data or error.
func (c *Conn) ReadChunk(timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if err := c.armTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	n, err := c.port.Read(c.readBuf)
	if n > 0 {
		// Bytes win over a simultaneous error; the error resurfaces next read.
		return bytes.Clone(c.readBuf[:n]), nil
	}
	if err == nil {
		// serial ports report an expired timeout as (0, nil)
		return nil, ErrTimedOut
	}
	if isTimeout(err) {
		return nil, ErrTimedOut
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return nil, err
}

func (c *Conn) armTimeout(timeout time.Duration) error {
	switch p := c.port.(type) {
	case DeadlinePort:
		if timeout <= 0 {
			return p.SetReadDeadline(time.Time{})
		}
		return p.SetReadDeadline(time.Now().Add(timeout))
	case TimeoutPort:
		if timeout == c.lastTimeout {
			return nil
		}
		t := timeout
		if t <= 0 {
			t = serialNoTimeout
		}
		if err := p.SetReadTimeout(t); err != nil {
			return err
		}
		c.lastTimeout = timeout
	}
	return nil
}

// serialNoTimeout mirrors go.bug.st/serial's NoTimeout (-1).
const serialNoTimeout = time.Duration(-1)

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Write sends raw bytes to the tracker, e.g. a heartbeat.
func (c *Conn) Write(p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// Close releases the transport. It is idempotent and safe after a failed
// handshake; a concurrent ReadChunk returns ErrClosed or the transport error.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.port.Close()
	})
	return c.closeErr
}

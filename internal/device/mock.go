package device

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// errPortClosed is what TestablePort reports for I/O after Close.
var errPortClosed = errors.New("port closed")

// TestablePort implements TimeoutPort with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and chunking.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// MaxReadSize caps the bytes returned per Read, to simulate arbitrary
	// transport chunking. Zero means no cap.
	MaxReadSize int

	// ReadError is returned by the next Read call once the buffer is drained
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout; zero or negative blocks until
	// data arrives or the port is closed.
	ReadTimeout time.Duration

	// Hang makes Read block, ignoring timeouts and Close, until Release is
	// called. It emulates a driver that never returns from a read.
	Hang bool

	notify  chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		notify:      make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

// Release unblocks readers held by Hang.
func (t *TestablePort) Release() {
	t.once.Do(func() { close(t.release) })
}

func (t *TestablePort) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Read returns buffered data, waits up to ReadTimeout for more, and reports an
// expired timeout as (0, nil) like a serial driver does.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++
	timeout := t.ReadTimeout
	hang := t.Hang
	t.mu.Unlock()

	if hang {
		<-t.release
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		t.mu.Lock()
		if t.Closed {
			t.mu.Unlock()
			return 0, errPortClosed
		}
		if t.ReadBuffer.Len() > 0 {
			if t.MaxReadSize > 0 && len(p) > t.MaxReadSize {
				p = p[:t.MaxReadSize]
			}
			n, err := t.ReadBuffer.Read(p)
			t.mu.Unlock()
			return n, err
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			t.mu.Unlock()
			return 0, err
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-expired:
			return 0, nil
		}
	}
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes any blocked reader.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	t.Closed = true
	err := t.CloseError
	t.mu.Unlock()
	t.signal()
	return err
}

// SetReadTimeout implements TimeoutPort.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	t.ReadBuffer.Write(data)
	t.mu.Unlock()
	t.signal()
}

// FailReads makes the next Read after the buffer drains return err.
func (t *TestablePort) FailReads(err error) {
	t.mu.Lock()
	t.ReadError = err
	t.mu.Unlock()
	t.signal()
}

// Pending reports how many unread bytes remain buffered.
func (t *TestablePort) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadBuffer.Len()
}

// GetWrittenData returns all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// Reads returns how many Read calls have started.
func (t *TestablePort) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadCalls
}

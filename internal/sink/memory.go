package sink

import (
	"sync"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// Memory keeps records in a slice. It is safe to inspect from other
// goroutines while a recording is running.
type Memory struct {
	mu      sync.Mutex
	records []gaze.Record
	opened  bool
	closed  bool

	writeErr error
	closeErr error
}

// NewMemory returns an unopened in-memory sink.
func NewMemory() *Memory { return &Memory{} }

// FailWrites makes every subsequent Write return err (nil restores normal
// behaviour).
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailClose makes Close return err.
func (m *Memory) FailClose(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

func (m *Memory) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.opened = true
	return nil
}

func (m *Memory) Write(r gaze.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case !m.opened:
		return ErrNotOpen
	case m.writeErr != nil:
		return m.writeErr
	}
	m.records = append(m.records, r)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

// Records returns a copy of everything written so far.
func (m *Memory) Records() []gaze.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gaze.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the number of records written.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

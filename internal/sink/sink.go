// Package sink provides the ordered-append destinations a recording writes
// to. A Sink is not required to be safe for concurrent use; the recorder
// serialises every call.
package sink

import (
	"errors"
	"fmt"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// Sink accepts records one at a time in publication order.
type Sink interface {
	// Open acquires the underlying resource and writes any preamble.
	Open() error
	// Write appends one record.
	Write(r gaze.Record) error
	// Close flushes and releases the underlying resource.
	Close() error
}

var (
	// ErrNotOpen is returned by Write before Open succeeded.
	ErrNotOpen = errors.New("sink not open")
	// ErrClosed is returned by Write and Open after Close.
	ErrClosed = errors.New("sink closed")
)

// WriteError reports a record the sink failed to store. It is recoverable:
// later records may still be written.
type WriteError struct {
	Record gaze.Record
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s record at %s: %v", e.Record.Kind, gaze.FormatTimestamp(e.Record.Timestamp()), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Package framing reconstructs tracker frames from a byte stream that carries
// back-to-back JSON objects with no length prefix or delimiter. Chunks may
// split a frame anywhere or carry several frames at once.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxBuffer bounds the bytes held for one incomplete frame.
const DefaultMaxBuffer = 1 << 20

// ErrBufferOverflow is returned by Feed when the buffered bytes exceed the
// limit without forming a complete frame. It is fatal for the stream; the
// buffer is cleared so a caller that chooses to continue starts afresh.
var ErrBufferOverflow = errors.New("frame buffer overflow")

// errIncomplete marks a buffer that is a valid prefix of a frame.
var errIncomplete = errors.New("incomplete frame")

// Frame is one complete top-level JSON value taken from the stream.
type Frame struct {
	// Raw holds the frame bytes; it does not alias the decoder buffer.
	Raw json.RawMessage
	// Offset is the stream position of the frame's first byte.
	Offset int64
}

// SyntaxError reports a span of the stream that cannot become a frame no
// matter what bytes follow. The span is dropped and decoding resumes at the
// next '{'.
type SyntaxError struct {
	// Offset is the stream position of the offending byte.
	Offset int64
	// Discarded is the number of bytes dropped to resynchronise.
	Discarded int
	Err       error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("frame syntax error at stream offset %d (%d bytes discarded): %v", e.Offset, e.Discarded, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Result carries everything one Feed call produced, in stream order per kind.
type Result struct {
	Frames []Frame
	Errors []*SyntaxError
}

// Decoder is an incremental frame decoder. It is not safe for concurrent use;
// the recorder loop owns it exclusively.
type Decoder struct {
	buf       []byte
	maxBuffer int
	// base is the stream offset of buf[0].
	base int64
}

// NewDecoder returns a Decoder whose buffer may hold at most maxBuffer bytes
// of an incomplete frame. maxBuffer <= 0 selects DefaultMaxBuffer.
func NewDecoder(maxBuffer int) *Decoder {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Decoder{maxBuffer: maxBuffer}
}

// Feed appends chunk to the buffer and extracts every frame now complete.
// Incomplete trailing bytes are kept for the next call. Malformed spans are
// reported in Result.Errors and skipped. The only error return is
// ErrBufferOverflow.
func (d *Decoder) Feed(chunk []byte) (Result, error) {
	d.buf = append(d.buf, chunk...)

	var res Result
	for {
		d.trimLeadingSpace()
		if len(d.buf) == 0 {
			break
		}

		n, err := parseOne(d.buf)
		if err == nil {
			res.Frames = append(res.Frames, Frame{Raw: bytes.Clone(d.buf[:n]), Offset: d.base})
			d.advance(n)
			continue
		}
		if errors.Is(err, errIncomplete) {
			break
		}

		var se *json.SyntaxError
		bad := 0
		if errors.As(err, &se) {
			bad = int(se.Offset) - 1
		}
		bad = min(max(bad, 0), len(d.buf)-1)
		skip := resync(d.buf, bad)
		res.Errors = append(res.Errors, &SyntaxError{
			Offset:    d.base + int64(bad),
			Discarded: skip,
			Err:       err,
		})
		d.advance(skip)
	}

	if len(d.buf) > d.maxBuffer {
		held := len(d.buf)
		d.advance(held)
		return res, fmt.Errorf("%w: %d bytes buffered without a complete frame (limit %d)", ErrBufferOverflow, held, d.maxBuffer)
	}
	return res, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Offset returns the stream position of the first buffered byte.
func (d *Decoder) Offset() int64 { return d.base }

// Reset drops any buffered bytes.
func (d *Decoder) Reset() {
	d.advance(len(d.buf))
}

func (d *Decoder) advance(n int) {
	d.base += int64(n)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		// reuse the backing array instead of growing it forever
		d.buf = d.buf[:0:0]
	}
}

func (d *Decoder) trimLeadingSpace() {
	i := 0
	for i < len(d.buf) && isSpace(d.buf[i]) {
		i++
	}
	if i > 0 {
		d.advance(i)
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// parseOne decodes the value at the start of b and returns its length.
// Truncated input yields errIncomplete; anything that can never parse yields
// the *json.SyntaxError describing it.
func parseOne(b []byte) (int, error) {
	// Only objects and arrays are self-delimiting; a bare number at the end of
	// a chunk could still grow.
	if b[0] != '{' && b[0] != '[' {
		return 0, &json.SyntaxError{Offset: 1}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	var raw json.RawMessage
	err := dec.Decode(&raw)
	switch {
	case err == nil:
		return int(dec.InputOffset()), nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return 0, errIncomplete
	default:
		return 0, err
	}
}

// resync returns how many bytes to drop so that the buffer starts at the next
// plausible frame boundary at or after bad, never less than one byte.
func resync(b []byte, bad int) int {
	from := max(bad, 1)
	if from >= len(b) {
		return len(b)
	}
	if i := bytes.IndexByte(b[from:], '{'); i >= 0 {
		return from + i
	}
	return len(b)
}

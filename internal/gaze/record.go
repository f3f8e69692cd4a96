// Package gaze defines the records a recording produces: decoded gaze samples
// and caller-injected control messages, and their fixed row layout.
package gaze

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Header is the column layout every sink writes, in order.
var Header = []string{"timestamp", "x", "y", "fix", "state", "left_psize", "right_psize", "message"}

// Kind distinguishes the two record variants.
type Kind int

const (
	KindSample Kind = iota + 1
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sample is one decoded gaze observation. Nil fields were absent in the
// device frame; they are never defaulted to zero.
type Sample struct {
	Timestamp  time.Time
	X          *float64
	Y          *float64
	// Fix and State are the device's scalar tokens, kept verbatim.
	Fix        *string
	State      *string
	LeftPupil  *float64
	RightPupil *float64
	// DeviceTime is the tracker's own capture time, when the frame had one.
	DeviceTime *time.Time
}

// HasPoint reports whether both coordinates are present.
func (s Sample) HasPoint() bool { return s.X != nil && s.Y != nil }

// ControlMessage is a caller-supplied annotation such as "IMAGE a.jpg ON".
type ControlMessage struct {
	Timestamp time.Time
	Text      string
}

// Record is what a sink receives: exactly one of Sample or Message, selected
// by Kind.
type Record struct {
	Kind    Kind
	Sample  Sample
	Message ControlMessage
}

// SampleRecord wraps s as a Record.
func SampleRecord(s Sample) Record { return Record{Kind: KindSample, Sample: s} }

// MessageRecord wraps m as a Record.
func MessageRecord(m ControlMessage) Record { return Record{Kind: KindMessage, Message: m} }

// Timestamp returns the record's instant.
func (r Record) Timestamp() time.Time {
	if r.Kind == KindMessage {
		return r.Message.Timestamp
	}
	return r.Sample.Timestamp
}

// Row renders the record in Header order. Sample rows leave message empty;
// message rows leave every coordinate and eye field empty.
func (r Record) Row() []string {
	row := make([]string, len(Header))
	row[0] = FormatTimestamp(r.Timestamp())
	if r.Kind == KindMessage {
		row[7] = r.Message.Text
		return row
	}
	s := r.Sample
	row[1] = formatFloat(s.X)
	row[2] = formatFloat(s.Y)
	row[3] = formatToken(s.Fix)
	row[4] = formatToken(s.State)
	row[5] = formatFloat(s.LeftPupil)
	row[6] = formatFloat(s.RightPupil)
	return row
}

// ParseRow is the inverse of Row. A row with a non-empty message column is a
// control message; anything else is a sample.
func ParseRow(row []string) (Record, error) {
	if len(row) != len(Header) {
		return Record{}, fmt.Errorf("row has %d fields, want %d", len(row), len(Header))
	}
	ts, err := ParseTimestamp(row[0])
	if err != nil {
		return Record{}, err
	}
	if row[7] != "" {
		return MessageRecord(ControlMessage{Timestamp: ts, Text: row[7]}), nil
	}

	s := Sample{Timestamp: ts}
	var errs []error
	s.X = parseFloat(row[1], "x", &errs)
	s.Y = parseFloat(row[2], "y", &errs)
	s.Fix = parseToken(row[3])
	s.State = parseToken(row[4])
	s.LeftPupil = parseFloat(row[5], "left_psize", &errs)
	s.RightPupil = parseFloat(row[6], "right_psize", &errs)
	if len(errs) > 0 {
		return Record{}, errors.Join(errs...)
	}
	return SampleRecord(s), nil
}

// FormatTimestamp renders t as fractional Unix seconds with microsecond
// precision, the layout downstream analysis scripts expect.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

// ParseTimestamp parses the output of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)), nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatToken(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseToken(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseFloat(s, field string, errs *[]error) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", field, err))
		return nil
	}
	return &f
}

// recordJSON is the wire shape used by the admin endpoints.
type recordJSON struct {
	Kind       string   `json:"kind"`
	Timestamp  float64  `json:"timestamp"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Fix        *string  `json:"fix,omitempty"`
	State      *string  `json:"state,omitempty"`
	LeftPupil  *float64 `json:"left_psize,omitempty"`
	RightPupil *float64 `json:"right_psize,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// MarshalJSON encodes the record with the same field names as Header.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Kind:      r.Kind.String(),
		Timestamp: float64(r.Timestamp().UnixMicro()) / 1e6,
	}
	if r.Kind == KindMessage {
		out.Message = r.Message.Text
	} else {
		s := r.Sample
		out.X, out.Y, out.Fix, out.State = s.X, s.Y, s.Fix, s.State
		out.LeftPupil, out.RightPupil = s.LeftPupil, s.RightPupil
	}
	return json.Marshal(out)
}

package gaze

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/gaze.report/internal/framing"
)

// ErrNoSample means a well-formed frame carried no gaze data, such as a reply
// to the push handshake or a heartbeat. It is a soft miss, not a failure.
var ErrNoSample = errors.New("frame carries no gaze sample")

// Leaf values stay raw so each one is converted on its own; a bad field must
// not leave a zero behind or spoil its neighbours.
type point struct {
	X json.RawMessage `json:"x"`
	Y json.RawMessage `json:"y"`
}

type eye struct {
	PSize json.RawMessage `json:"psize"`
}

type trackerFrame struct {
	Avg      json.RawMessage `json:"avg"`
	Fix      json.RawMessage `json:"fix"`
	State    json.RawMessage `json:"state"`
	Time     json.RawMessage `json:"time"`
	LeftEye  json.RawMessage `json:"lefteye"`
	RightEye json.RawMessage `json:"righteye"`
}

// Extract turns a decoded tracker frame into a Sample. Only the device fields
// are filled; the caller stamps Timestamp. A field holding a value of the wrong
// type is treated as absent and the rest of the frame is still used.
func Extract(f framing.Frame) (Sample, error) {
	var env struct {
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(f.Raw, &env); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrNoSample, err)
	}
	var values struct {
		Frame json.RawMessage `json:"frame"`
	}
	if !decodeObject(env.Values, &values) {
		return Sample{}, ErrNoSample
	}
	var fr trackerFrame
	if !decodeObject(values.Frame, &fr) {
		return Sample{}, ErrNoSample
	}

	var s Sample
	var avg point
	if decodeObject(fr.Avg, &avg) {
		s.X, s.Y = optFloat(avg.X), optFloat(avg.Y)
	}
	s.Fix = optToken(fr.Fix)
	s.State = optToken(fr.State)
	var left, right eye
	if decodeObject(fr.LeftEye, &left) {
		s.LeftPupil = optFloat(left.PSize)
	}
	if decodeObject(fr.RightEye, &right) {
		s.RightPupil = optFloat(right.PSize)
	}
	var ms int64
	if len(fr.Time) > 0 && json.Unmarshal(fr.Time, &ms) == nil && ms > 0 {
		dt := time.UnixMilli(ms)
		s.DeviceTime = &dt
	}
	return s, nil
}

// decodeObject reports whether raw is a JSON object and decoded into v.
func decodeObject(raw json.RawMessage, v any) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func optFloat(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

// optToken returns the text of a scalar exactly as the device sent it: strings
// unquoted, numbers and booleans verbatim. Objects, arrays and null are absent.
func optToken(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '{', '[':
		return nil
	case '"':
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil
		}
		return &v
	}
	if !json.Valid(raw) {
		return nil
	}
	v := string(raw)
	return &v
}

// Fixated interprets Fix. ok is false when the flag is absent or is not a
// boolean token.
func (s Sample) Fixated() (fixated, ok bool) {
	if s.Fix == nil {
		return false, false
	}
	b, err := strconv.ParseBool(*s.Fix)
	if err != nil {
		return false, false
	}
	return b, true
}

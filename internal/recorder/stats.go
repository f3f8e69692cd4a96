package recorder

import (
	"fmt"
	"sync/atomic"
)

type counters struct {
	bytes        atomic.Int64
	chunks       atomic.Int64
	timeouts     atomic.Int64
	frames       atomic.Int64
	samples      atomic.Int64
	messages     atomic.Int64
	syntaxErrors atomic.Int64
	misses       atomic.Int64
	sinkErrors   atomic.Int64
	dropped      atomic.Int64
	late         atomic.Int64
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	BytesRead    int64 `json:"bytes_read"`
	Chunks       int64 `json:"chunks"`
	ReadTimeouts int64 `json:"read_timeouts"`
	Frames       int64 `json:"frames"`
	Samples      int64 `json:"samples"`
	Messages     int64 `json:"messages"`
	// SyntaxErrors counts malformed spans the decoder skipped.
	SyntaxErrors int64 `json:"syntax_errors"`
	// ExtractionMisses counts well-formed frames without gaze data.
	ExtractionMisses int64 `json:"extraction_misses"`
	SinkErrors       int64 `json:"sink_errors"`
	// SubscriberDrops counts records not delivered to a full subscriber.
	SubscriberDrops int64 `json:"subscriber_drops"`
	// LateRecords counts samples decoded after the sink was closed by a
	// degraded stop.
	LateRecords int64 `json:"late_records"`
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	c := &s.stats
	return Stats{
		BytesRead:        c.bytes.Load(),
		Chunks:           c.chunks.Load(),
		ReadTimeouts:     c.timeouts.Load(),
		Frames:           c.frames.Load(),
		Samples:          c.samples.Load(),
		Messages:         c.messages.Load(),
		SyntaxErrors:     c.syntaxErrors.Load(),
		ExtractionMisses: c.misses.Load(),
		SinkErrors:       c.sinkErrors.Load(),
		SubscriberDrops:  c.dropped.Load(),
		LateRecords:      c.late.Load(),
	}
}

func (st Stats) String() string {
	return fmt.Sprintf("%d bytes in %d chunks, %d frames, %d samples, %d messages, %d syntax errors, %d misses, %d sink errors",
		st.BytesRead, st.Chunks, st.Frames, st.Samples, st.Messages, st.SyntaxErrors, st.ExtractionMisses, st.SinkErrors)
}

// Package recorder runs a recording session: a background loop reads the
// device, decodes frames into gaze samples and publishes them, while callers
// inject control messages into the same ordered record stream.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gaze.report/internal/device"
	"github.com/banshee-data/gaze.report/internal/framing"
	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/sink"
	"github.com/banshee-data/gaze.report/internal/timeutil"
)

// Phase is the lifecycle state of a Session.
type Phase int32

const (
	Idle Phase = iota
	Recording
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

var (
	// ErrLifecycle matches every error caused by calling an operation in the
	// wrong phase.
	ErrLifecycle = errors.New("recorder lifecycle misuse")
	// ErrAlreadyRecording is returned by Start on a running session.
	ErrAlreadyRecording = fmt.Errorf("%w: already recording", ErrLifecycle)
	// ErrNotRecording is returned by SendMessage and Stop outside Recording.
	ErrNotRecording = fmt.Errorf("%w: not recording", ErrLifecycle)
)

// Conn is the device side of a session. *device.Conn implements it.
type Conn interface {
	ReadChunk(timeout time.Duration) ([]byte, error)
	Write(p []byte) error
	Close() error
}

// Options tunes a Session. Zero values select the defaults.
type Options struct {
	// ReadTimeout bounds each device read, and so how quickly the loop notices
	// a stop request. Default 100ms.
	ReadTimeout time.Duration
	// JoinTimeout bounds how long Stop waits for the loop. Default 2s.
	JoinTimeout time.Duration
	// MaxBuffer caps the decoder buffer. Default framing.DefaultMaxBuffer.
	MaxBuffer int
	// DeviceTimestamps stamps samples with the tracker's capture time when
	// the frame carries one, instead of the local decode time.
	DeviceTimestamps bool
	// StatsInterval enables periodic statistics logging.
	StatsInterval time.Duration
	// HeartbeatInterval enables periodic heartbeat requests to the device.
	HeartbeatInterval time.Duration
	// SubscriberBuffer is the channel capacity handed to subscribers.
	// Default 64.
	SubscriberBuffer int
	// Clock stamps records. Default timeutil.RealClock.
	Clock timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 2 * time.Second
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = framing.DefaultMaxBuffer
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Result is what Stop hands back.
type Result struct {
	// Records holds every record published, in publication order.
	Records []gaze.Record
	// Err joins every failure the session absorbed: sink write errors, the
	// sink close error, a device read error and a decoder overflow.
	Err error
	// Degraded is set when the loop did not exit within JoinTimeout and the
	// connection had to be closed underneath it.
	Degraded bool
	Stats    Stats
}

// Session is one recording bound to an established device connection. A
// Session cannot be restarted once stopped.
type Session struct {
	conn  Conn
	sink  sink.Sink
	opts  Options
	clock timeutil.Clock

	// mu guards the phase transitions. SendMessage holds it while publishing
	// so a message can never land after Stop has begun.
	mu     sync.Mutex
	phase  Phase
	cancel context.CancelFunc

	// done is closed when the loop exits; loopErr is written before that.
	done    chan struct{}
	loopErr error

	// publishMu serialises the sink, the record list, the latest sample and
	// the subscriber fan-out.
	publishMu  sync.Mutex
	records    []gaze.Record
	latest     gaze.Sample
	hasLatest  bool
	subs       map[string]chan gaze.Record
	sinkErrs   []error
	sinkClosed bool

	stats counters
}

// New binds a session to conn and sk. A nil sink records to memory only.
func New(conn Conn, sk sink.Sink, opts Options) *Session {
	if sk == nil {
		sk = sink.NewMemory()
	}
	opts = opts.withDefaults()
	return &Session{
		conn:  conn,
		sink:  sk,
		opts:  opts,
		clock: opts.Clock,
		done:  make(chan struct{}),
		subs:  make(map[string]chan gaze.Record),
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed when the background loop exits, either because Stop was
// called or because the device connection failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start opens the sink and launches the background loop. Cancelling ctx ends
// the loop early; Stop is still required to close the sink.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case Recording:
		monitoring.Warnf("recorder: start requested while already recording, ignoring")
		return ErrAlreadyRecording
	case Stopped:
		return fmt.Errorf("%w: a stopped session cannot be restarted", ErrLifecycle)
	}

	if err := s.sink.Open(); err != nil {
		return fmt.Errorf("failed to open sink: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.phase = Recording
	go s.loop(loopCtx)

	monitoring.Logf("recorder: recording started")
	return nil
}

// SendMessage stamps text with the current time and publishes it as a
// control message between whatever samples surround the call.
func (s *Session) SendMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Recording {
		return fmt.Errorf("%w: cannot send %q in phase %s", ErrNotRecording, text, s.phase)
	}
	s.publish(func(now time.Time) gaze.Record {
		return gaze.MessageRecord(gaze.ControlMessage{Timestamp: now, Text: text})
	})
	return nil
}

// Stop ends the recording: it signals the loop, waits up to JoinTimeout,
// closes the sink and returns every record. The returned error is only
// non-nil for lifecycle misuse; failures absorbed during the recording are in
// Result.Err. Outside Recording, Stop returns ErrNotRecording together with a
// snapshot Result of the records and stats so far, so a repeated Stop still
// sees what was recorded.
func (s *Session) Stop() (*Result, error) {
	s.mu.Lock()
	if s.phase != Recording {
		phase := s.phase
		s.mu.Unlock()
		return &Result{Records: s.Records(), Stats: s.Stats()},
			fmt.Errorf("%w: stop called in phase %s", ErrNotRecording, phase)
	}
	s.phase = Stopped
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	res := &Result{}
	join := time.NewTimer(s.opts.JoinTimeout)
	select {
	case <-s.done:
		join.Stop()
	case <-join.C:
		res.Degraded = true
		monitoring.Warnf("recorder: loop did not exit within %v, force-closing the device connection", s.opts.JoinTimeout)
		if err := s.conn.Close(); err != nil {
			monitoring.Warnf("recorder: force close failed: %v", err)
		}
	}

	s.publishMu.Lock()
	s.sinkClosed = true
	closeErr := s.sink.Close()
	res.Records = make([]gaze.Record, len(s.records))
	copy(res.Records, s.records)
	errs := append([]error(nil), s.sinkErrs...)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.publishMu.Unlock()

	if !res.Degraded && s.loopErr != nil {
		errs = append(errs, s.loopErr)
	}
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("failed to close sink: %w", closeErr))
	}
	res.Err = errors.Join(errs...)
	res.Stats = s.Stats()

	monitoring.Logf("recorder: recording stopped, %d records (%d samples, %d messages)",
		len(res.Records), res.Stats.Samples, res.Stats.Messages)
	return res, nil
}

// Records returns a snapshot of everything published so far.
func (s *Session) Records() []gaze.Record {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	out := make([]gaze.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Latest returns the most recently published sample.
func (s *Session) Latest() (gaze.Sample, bool) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	return s.latest, s.hasLatest
}

// Subscribe returns a channel receiving every record published from now on.
// Records are dropped for a subscriber whose channel is full. The channel is
// closed by Unsubscribe or Stop.
func (s *Session) Subscribe() (string, <-chan gaze.Record) {
	id := uuid.NewString()
	ch := make(chan gaze.Record, s.opts.SubscriberBuffer)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if s.sinkClosed {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscription.
func (s *Session) Unsubscribe(id string) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// publish stamps and delivers one record. It is the only path to the sink.
func (s *Session) publish(build func(now time.Time) gaze.Record) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.sinkClosed {
		s.stats.late.Add(1)
		return
	}

	r := build(s.clock.Now())
	if err := s.sink.Write(r); err != nil {
		s.stats.sinkErrors.Add(1)
		werr := &sink.WriteError{Record: r, Err: err}
		s.sinkErrs = append(s.sinkErrs, werr)
		monitoring.Warnf("recorder: %v", werr)
	}
	s.records = append(s.records, r)

	if r.Kind == gaze.KindSample {
		s.latest, s.hasLatest = r.Sample, true
		s.stats.samples.Add(1)
	} else {
		s.stats.messages.Add(1)
	}

	for _, ch := range s.subs {
		select {
		case ch <- r:
		default:
			// a slow subscriber must not stall the recording
			s.stats.dropped.Add(1)
		}
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	dec := framing.NewDecoder(s.opts.MaxBuffer)

	var heartbeat, statsTick <-chan time.Time
	if s.opts.HeartbeatInterval > 0 {
		t := s.clock.NewTicker(s.opts.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C()
	}
	if s.opts.StatsInterval > 0 {
		t := s.clock.NewTicker(s.opts.StatsInterval)
		defer t.Stop()
		statsTick = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			if err := s.conn.Write(device.HeartbeatRequest); err != nil {
				monitoring.Warnf("recorder: heartbeat failed: %v", err)
			}
		case <-statsTick:
			monitoring.Logf("recorder: %s", s.Stats())
		default:
		}

		chunk, err := s.conn.ReadChunk(s.opts.ReadTimeout)
		if errors.Is(err, device.ErrTimedOut) {
			s.stats.timeouts.Add(1)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			monitoring.Logf("recorder: device read failed, stopping loop: %v", err)
			s.loopErr = fmt.Errorf("device read: %w", err)
			return
		}

		s.stats.chunks.Add(1)
		s.stats.bytes.Add(int64(len(chunk)))
		monitoring.Debugf("recorder: read %d bytes", len(chunk))

		res, ferr := dec.Feed(chunk)
		for _, se := range res.Errors {
			s.stats.syntaxErrors.Add(1)
			monitoring.Logf("recorder: dropped malformed data: %v", se)
		}
		for _, f := range res.Frames {
			s.stats.frames.Add(1)
			smp, err := gaze.Extract(f)
			if err != nil {
				s.stats.misses.Add(1)
				continue
			}
			s.publish(func(now time.Time) gaze.Record {
				smp.Timestamp = now
				if s.opts.DeviceTimestamps && smp.DeviceTime != nil {
					smp.Timestamp = *smp.DeviceTime
				}
				return gaze.SampleRecord(smp)
			})
		}
		if ferr != nil {
			monitoring.Logf("recorder: %v, stopping loop", ferr)
			s.loopErr = ferr
			return
		}
	}
}

// RecordFor starts s, records for d (or until ctx is cancelled or the device
// connection fails) and stops it.
func RecordFor(ctx context.Context, s *Session, d time.Duration) (*Result, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-s.Done():
	}
	return s.Stop()
}

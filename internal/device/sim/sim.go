// Package sim runs a stand-in for the gaze tracker's telemetry server. It
// accepts the push handshake and streams tracker-shaped frames split at random
// byte boundaries, which is what a real TCP peer may do. It backs gazerec -dev
// and the end-to-end tests.
package sim

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/gaze.report/internal/monitoring"
)

// Options configures the simulated tracker.
type Options struct {
	// Interval between frames. Zero disables the automatic stream; frames are
	// then only sent through Send.
	Interval time.Duration
	// MaxFrames stops the automatic stream after this many frames (0 = unbounded).
	MaxFrames int
	// SplitMax is the largest write in bytes; frames are cut into random
	// pieces of 1..SplitMax bytes. Zero writes whole frames.
	SplitMax int
	// MalformedEvery inserts a garbage span before every Nth frame (0 = never).
	MalformedEvery int
	// Seed makes the random splits reproducible.
	Seed uint64
}

// Server is a simulated tracker listening on a TCP address.
type Server struct {
	opts Options
	ln   net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]*sync.Mutex
	rng     *rand.Rand
	started chan struct{} // closed once the first client completed the handshake
	once    sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer listens on addr ("127.0.0.1:0" picks a free port).
func NewServer(addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		opts:    opts,
		ln:      ln,
		conns:   make(map[net.Conn]*sync.Mutex),
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		started: make(chan struct{}),
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start accepts clients in the background until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := s.ln.Accept()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					monitoring.Logf("sim: accept error: %v", err)
				}
				return
			}
			s.mu.Lock()
			s.conns[c] = &sync.Mutex{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(ctx, c)
			}()
		}
	}()

	if s.opts.Interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.stream(ctx)
		}()
	}
}

// Ready is closed once a client has sent its first request.
func (s *Server) Ready() <-chan struct{} { return s.started }

// serve answers handshake and heartbeat requests from one client.
func (s *Server) serve(ctx context.Context, c net.Conn) {
	defer s.drop(c)

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			Category string `json:"category"`
			Request  string `json:"request"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
			monitoring.Logf("sim: ignoring malformed request %q", line)
			continue
		}
		reply := fmt.Sprintf(`{"category":%q,"request":%q,"statuscode":200}`, req.Category, req.Request)
		if req.Category == "heartbeat" {
			reply = `{"category":"heartbeat","statuscode":200}`
		}
		s.writeTo(c, []byte(reply))
		s.once.Do(func() { close(s.started) })
	}
}

func (s *Server) drop(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) stream(ctx context.Context) {
	select {
	case <-s.started:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	start := time.Now()
	for i := 0; s.opts.MaxFrames == 0 || i < s.opts.MaxFrames; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.opts.MalformedEvery > 0 && i > 0 && i%s.opts.MalformedEvery == 0 {
			s.Send([]byte(`{"values":{"frame":]]garbage`))
		}
		s.Send(Frame(i, start.Add(time.Duration(i)*s.opts.Interval)))
	}
}

// Send writes raw bytes to every connected client, split per SplitMax.
func (s *Server) Send(p []byte) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.writeTo(c, p)
	}
}

func (s *Server) writeTo(c net.Conn, p []byte) {
	s.mu.Lock()
	wmu, ok := s.conns[c]
	s.mu.Unlock()
	if !ok {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()

	for len(p) > 0 {
		n := len(p)
		if s.opts.SplitMax > 0 {
			s.mu.Lock()
			n = 1 + s.rng.IntN(s.opts.SplitMax)
			s.mu.Unlock()
			if n > len(p) {
				n = len(p)
			}
		}
		if _, err := c.Write(p[:n]); err != nil {
			return
		}
		p = p[n:]
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, disconnects clients and waits for the goroutines.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Frame renders the i-th simulated frame: the gaze point walks a circle,
// fixation toggles every 30 frames and pupils breathe slowly.
func Frame(i int, at time.Time) []byte {
	phase := float64(i) / 60 * 2 * math.Pi
	x := 960 + 300*math.Cos(phase)
	y := 540 + 200*math.Sin(phase)
	psize := 20 + 2*math.Sin(phase/4)

	type point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	type eye struct {
		Avg     point   `json:"avg"`
		Raw     point   `json:"raw"`
		PSize   float64 `json:"psize"`
		PCenter point   `json:"pcenter"`
	}
	frame := struct {
		Category   string `json:"category"`
		Request    string `json:"request"`
		StatusCode int    `json:"statuscode"`
		Values     struct {
			Frame struct {
				Avg       point  `json:"avg"`
				Raw       point  `json:"raw"`
				Fix       bool   `json:"fix"`
				State     int    `json:"state"`
				Time      int64  `json:"time"`
				Timestamp string `json:"timestamp"`
				LeftEye   eye    `json:"lefteye"`
				RightEye  eye    `json:"righteye"`
			} `json:"frame"`
		} `json:"values"`
	}{Category: "tracker", Request: "get", StatusCode: 200}

	f := &frame.Values.Frame
	f.Avg = point{X: x, Y: y}
	f.Raw = point{X: x + 3, Y: y - 3}
	f.Fix = (i/30)%2 == 0
	f.State = 7
	f.Time = at.UnixMilli()
	f.Timestamp = at.Format("2006-01-02 15:04:05.000")
	f.LeftEye = eye{Avg: point{X: x - 10, Y: y}, Raw: point{X: x - 12, Y: y}, PSize: psize, PCenter: point{X: 0.4, Y: 0.5}}
	f.RightEye = eye{Avg: point{X: x + 10, Y: y}, Raw: point{X: x + 12, Y: y}, PSize: psize + 0.5, PCenter: point{X: 0.6, Y: 0.5}}

	data, err := json.Marshal(frame)
	if err != nil {
		panic(fmt.Sprintf("sim: frame marshal: %v", err))
	}
	return data
}

// Command gazerec records a gaze tracker's telemetry stream to CSV or SQLite.
// Lines typed on stdin are recorded as control messages between samples.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/gaze.report/internal/admin"
	"github.com/banshee-data/gaze.report/internal/config"
	"github.com/banshee-data/gaze.report/internal/device"
	"github.com/banshee-data/gaze.report/internal/device/sim"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/recorder"
	"github.com/banshee-data/gaze.report/internal/report"
	"github.com/banshee-data/gaze.report/internal/sink"
	"github.com/banshee-data/gaze.report/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "JSON config file")
	address     = flag.String("addr", "", "tracker address: host:port, tcp://host:port or serial:///dev/ttyUSB0 (overrides config)")
	transport   = flag.String("transport", "", `"tcp" or "serial" (overrides config)`)
	sinkKind    = flag.String("sink", "", `"csv", "sqlite" or "memory" (overrides config)`)
	outPath     = flag.String("out", "", "output file; a .gz or .zst suffix compresses CSV (overrides config)")
	listen      = flag.String("listen", "", "admin HTTP listen address, e.g. localhost:8080 (overrides config)")
	duration    = flag.Duration("duration", 0, "stop after this long; 0 records until interrupted")
	heartbeat   = flag.Duration("heartbeat", 0, "send heartbeat requests at this interval (overrides config)")
	deviceTime  = flag.Bool("device-timestamps", false, "stamp samples with the tracker's capture time")
	reportDir   = flag.String("report", "", "write summary.json and PNG plots to this directory on exit")
	noStdin     = flag.Bool("no-stdin", false, "do not read control messages from stdin")
	devMode     = flag.Bool("dev", false, "record from a built-in simulated tracker")
	verbose     = flag.Bool("verbose", false, "enable debug logging")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *devMode {
		srv, err := sim.NewServer("127.0.0.1:0", sim.Options{
			Interval:       33 * time.Millisecond,
			SplitMax:       64,
			MalformedEvery: 300,
			Seed:           uint64(time.Now().UnixNano()),
		})
		if err != nil {
			log.Fatalf("failed to start simulated tracker: %v", err)
		}
		srv.Start(ctx)
		defer srv.Close()
		addr := srv.Addr()
		tcp := device.TransportTCP
		cfg.Address, cfg.Transport = &addr, &tcp
		log.Printf("dev mode: simulated tracker on %s", addr)
	}

	conn, err := device.Open(ctx, device.Options{
		Transport:   cfg.GetTransport(),
		Address:     cfg.GetAddress(),
		Serial:      cfg.GetSerial(),
		DialTimeout: cfg.GetDialTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to connect to tracker: %v", err)
	}
	defer conn.Close()

	path := cfg.GetOutputPath(time.Now())
	sk := newSink(cfg.GetSink(), path, conn.Name())

	session := recorder.New(conn, sk, recorder.Options{
		ReadTimeout:       cfg.GetReadTimeout(),
		JoinTimeout:       cfg.GetJoinTimeout(),
		MaxBuffer:         cfg.GetMaxBufferBytes(),
		DeviceTimestamps:  cfg.GetTimestampSource() == config.TimestampDevice,
		StatsInterval:     cfg.GetStatsInterval(),
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
	})
	if err := session.Start(ctx); err != nil {
		log.Fatalf("failed to start recording: %v", err)
	}
	if cfg.GetSink() != config.SinkMemory {
		log.Printf("recording to %s", path)
	}

	var wg sync.WaitGroup
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	if addr := cfg.GetAdminListen(); addr != "" {
		opts := admin.Options{}
		if sq, ok := sk.(*sink.SQLite); ok {
			opts.DB, opts.DBLabel = sq.DB(), filepath.Base(sq.Path())
		}
		mux := http.NewServeMux()
		if err := admin.AttachRoutes(mux, session, opts); err != nil {
			log.Fatalf("failed to attach admin routes: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(serveCtx, addr, mux)
		}()
	}

	if !*noStdin {
		// the scanner cannot be interrupted; it is abandoned at exit
		go func() {
			n := readMessages(os.Stdin, session.SendMessage)
			monitoring.Debugf("stdin closed after %d messages", n)
		}()
	}

	var timeout <-chan time.Time
	if *duration > 0 {
		t := time.NewTimer(*duration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		log.Printf("interrupted, stopping")
	case <-timeout:
		log.Printf("recorded for %v, stopping", *duration)
	case <-session.Done():
		log.Printf("device stream ended, stopping")
	}

	res, err := session.Stop()
	stopServing()
	wg.Wait()
	if err != nil {
		log.Fatalf("failed to stop recording: %v", err)
	}

	fmt.Print(report.Summarize(res.Records))
	fmt.Println(res.Stats)
	if res.Degraded {
		log.Printf("warning: the recorder loop did not exit in time; samples after stop were dropped")
	}
	if *reportDir != "" {
		if err := writeReport(*reportDir, res); err != nil {
			log.Printf("failed to write report: %v", err)
		}
	}
	if res.Err != nil {
		log.Printf("recording finished with errors: %v", res.Err)
		os.Exit(1)
	}
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly.
func loadConfig(path string, explicit bool) (*config.RecorderConfig, error) {
	cfg, err := config.LoadRecorderConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.EmptyRecorderConfig(), nil
	}
	return nil, err
}

// applyFlags copies the command-line overrides into cfg.
func applyFlags(cfg *config.RecorderConfig) {
	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.Address, *address)
	override(&cfg.Transport, *transport)
	override(&cfg.Sink, *sinkKind)
	override(&cfg.OutputPath, *outPath)
	override(&cfg.AdminListen, *listen)
	if *heartbeat > 0 {
		override(&cfg.HeartbeatInterval, heartbeat.String())
	}
	if *deviceTime {
		override(&cfg.TimestampSource, config.TimestampDevice)
	}
}

func newSink(kind, path, deviceName string) sink.Sink {
	switch kind {
	case config.SinkSQLite:
		return sink.NewSQLite(path, deviceName)
	case config.SinkMemory:
		return sink.NewMemory()
	default:
		return sink.NewCSV(path)
	}
}

// readMessages sends every non-blank line of r as a control message and
// returns how many were accepted.
func readMessages(r io.Reader, send func(string) error) int {
	sent := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			log.Printf("message %q not recorded: %v", line, err)
			if errors.Is(err, recorder.ErrLifecycle) {
				return sent
			}
			continue
		}
		sent++
	}
	return sent
}

func writeReport(dir string, res *recorder.Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	summary := struct {
		report.Summary
		Stats    recorder.Stats `json:"stats"`
		Degraded bool           `json:"degraded"`
	}{report.Summarize(res.Records), res.Stats, res.Degraded}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.json"), data, 0644); err != nil {
		return err
	}
	files, err := report.WritePlots(dir, res.Records)
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
	return err
}

func serveAdmin(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server failed: %v", err)
		}
	}()
	log.Printf("admin pages on http://%s/debug/", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("admin server force close error: %v", err)
		}
	}
}

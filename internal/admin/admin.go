// Package admin mounts the recorder's debug pages on an HTTP mux under
// /debug/: live status, an SSE record tail, a control-message form, a gaze
// chart and, when the session writes to SQLite, a live SQL console.
package admin

import (
	"bytes"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/recorder"
)

//go:embed templates/*
var templateFS embed.FS

var sendMessageTemplate = template.Must(template.ParseFS(templateFS, "templates/send-message.html.tmpl"))

// Recorder is the part of *recorder.Session the admin pages use.
type Recorder interface {
	Phase() recorder.Phase
	Stats() recorder.Stats
	Latest() (gaze.Sample, bool)
	Records() []gaze.Record
	SendMessage(text string) error
	Subscribe() (string, <-chan gaze.Record)
	Unsubscribe(id string)
}

// Options configures AttachRoutes.
type Options struct {
	// DB, when set, is exposed through tailsql and the backup route.
	DB *sql.DB
	// DBLabel names the database in the tailsql UI.
	DBLabel string
	// ChartPoints caps the samples drawn by the gaze chart. Default 5000.
	ChartPoints int
}

// Status is the JSON body of /debug/recorder.
type Status struct {
	Phase  string         `json:"phase"`
	Stats  recorder.Stats `json:"stats"`
	Latest *gaze.Record   `json:"latest"`
}

// AttachRoutes registers the recorder debug routes on mux.
func AttachRoutes(mux *http.ServeMux, rec Recorder, opts Options) error {
	if opts.ChartPoints <= 0 {
		opts.ChartPoints = 5000
	}
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("recorder", "recorder phase, counters and latest sample (JSON)", func(w http.ResponseWriter, r *http.Request) {
		st := Status{Phase: rec.Phase().String(), Stats: rec.Stats()}
		if smp, ok := rec.Latest(); ok {
			latest := gaze.SampleRecord(smp)
			st.Latest = &latest
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			monitoring.Logf("admin: failed to encode status: %v", err)
		}
	})

	debug.HandleFunc("send-message", "send a control message and watch records live", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct {
			Phase string
			Stats recorder.Stats
		}{rec.Phase().String(), rec.Stats()}
		if err := sendMessageTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-message-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		message := strings.TrimSpace(r.FormValue("message"))
		if message == "" {
			http.Error(w, "Missing message", http.StatusBadRequest)
			return
		}
		if err := rec.SendMessage(message); err != nil {
			if errors.Is(err, recorder.ErrLifecycle) {
				http.Error(w, "Recorder is not recording", http.StatusConflict)
				return
			}
			http.Error(w, "Failed to send message", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Recorded message %q", message))
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := rec.Subscribe()
		defer rec.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case record, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(record)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := templateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	debug.HandleFunc("gaze-chart", "scatter of recent gaze points", func(w http.ResponseWriter, r *http.Request) {
		page, err := renderGazeChart(rec.Records(), opts.ChartPoints)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	})

	if opts.DB == nil {
		return nil
	}
	return attachDBRoutes(debug, opts)
}

func attachDBRoutes(debug *tsweb.DebugHandler, opts Options) error {
	label := opts.DBLabel
	if label == "" {
		label = "Gaze DB"
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://gaze.db", opts.DB, &tailsql.DBOptions{
		Label: label,
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "download a gzipped snapshot of the database", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "gaze-backup-")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(dir)

		name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		backupPath := filepath.Join(dir, name)
		if _, err := opts.DB.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		f, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")
		zw := gzip.NewWriter(w)
		if _, err := io.Copy(zw, f); err != nil {
			monitoring.Logf("admin: backup copy failed: %v", err)
			return
		}
		if err := zw.Close(); err != nil {
			monitoring.Logf("admin: backup compression failed: %v", err)
		}
	}))
	return nil
}

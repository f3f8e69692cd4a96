package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/config"
	"github.com/banshee-data/gaze.report/internal/device"
	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/recorder"
	"github.com/banshee-data/gaze.report/internal/sink"
	"github.com/banshee-data/gaze.report/internal/testutil"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, config.DefaultConfigPath, *configPath)
	assert.Empty(t, *address)
	assert.Empty(t, *sinkKind)
	assert.Empty(t, *listen)
	assert.Zero(t, *duration)
	assert.False(t, *devMode)
	assert.False(t, *deviceTime)
}

func withFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestApplyFlags(t *testing.T) {
	withFlag(t, address, "serial:///dev/ttyUSB0")
	withFlag(t, sinkKind, config.SinkSQLite)
	withFlag(t, outPath, "run.db")
	withFlag(t, heartbeat, 250*time.Millisecond)
	withFlag(t, deviceTime, true)

	cfg := config.DefaultRecorderConfig()
	cfg.AdminListen = nil
	applyFlags(cfg)

	assert.Equal(t, "serial:///dev/ttyUSB0", cfg.GetAddress())
	assert.Equal(t, config.SinkSQLite, cfg.GetSink())
	assert.Equal(t, "run.db", cfg.GetOutputPath(time.Now()))
	assert.Equal(t, 250*time.Millisecond, cfg.GetHeartbeatInterval())
	assert.Equal(t, config.TimestampDevice, cfg.GetTimestampSource())
	assert.Empty(t, cfg.GetAdminListen(), "unset flags leave the config alone")
	assert.Equal(t, device.TransportTCP, cfg.GetTransport())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.json")

	cfg, err := loadConfig(missing, false)
	require.NoError(t, err, "a missing default config falls back to defaults")
	assert.Equal(t, config.SinkCSV, cfg.GetSink())

	_, err = loadConfig(missing, true)
	assert.Error(t, err, "an explicit config path must exist")

	path := testutil.WriteTempFile(t, "gazerec.json", []byte(`{"sink":"memory","read_timeout":"20ms"}`))
	cfg, err = loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, config.SinkMemory, cfg.GetSink())
	assert.Equal(t, 20*time.Millisecond, cfg.GetReadTimeout())
}

func TestNewSink(t *testing.T) {
	dir := t.TempDir()
	assert.IsType(t, &sink.CSV{}, newSink(config.SinkCSV, filepath.Join(dir, "a.csv"), "dev"))
	assert.IsType(t, &sink.SQLite{}, newSink(config.SinkSQLite, filepath.Join(dir, "a.db"), "dev"))
	assert.IsType(t, &sink.Memory{}, newSink(config.SinkMemory, "", "dev"))
}

func TestReadMessages(t *testing.T) {
	var got []string
	send := func(s string) error {
		if s == "reject" {
			return errors.New("sink busy")
		}
		got = append(got, s)
		return nil
	}

	n := readMessages(strings.NewReader("IMAGE a.jpg ON\n\n   \nreject\n  IMAGE a.jpg OFF  \n"), send)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"IMAGE a.jpg ON", "IMAGE a.jpg OFF"}, got)
}

func TestReadMessages_StopsWhenRecordingEnds(t *testing.T) {
	calls := 0
	send := func(string) error {
		calls++
		return recorder.ErrNotRecording
	}
	n := readMessages(strings.NewReader("a\nb\nc\n"), send)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}

func TestWriteReport(t *testing.T) {
	x, y, lp := 10.0, 20.0, 21.0
	base := time.Unix(1700000000, 0)
	res := &recorder.Result{
		Records: []gaze.Record{
			gaze.SampleRecord(gaze.Sample{Timestamp: base, X: &x, Y: &y, LeftPupil: &lp}),
			gaze.MessageRecord(gaze.ControlMessage{Timestamp: base.Add(time.Second), Text: "end"}),
		},
		Stats: recorder.Stats{Samples: 1, Messages: 1},
	}

	dir := filepath.Join(t.TempDir(), "report")
	require.NoError(t, writeReport(dir, res))

	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 2.0, summary["records"])
	assert.Equal(t, false, summary["degraded"])
	assert.Equal(t, 1.0, summary["stats"].(map[string]any)["samples"])

	for _, name := range []string{"gaze.png", "pupils.png"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

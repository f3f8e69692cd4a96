package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/gaze.report/internal/device"
)

// DefaultConfigPath is where gazerec looks for a config file when -config is
// not given. A missing file at this path is not an error.
const DefaultConfigPath = "config/gazerec.json"

// Timestamp sources for gaze samples.
const (
	TimestampLocal  = "local"
	TimestampDevice = "device"
)

// Sink kinds.
const (
	SinkCSV    = "csv"
	SinkSQLite = "sqlite"
	SinkMemory = "memory"
)

// RecorderConfig is the root configuration for a recording run. Every field is
// optional; the Get* methods fall back to defaults for anything the JSON file
// omits, so partial configs are safe.
type RecorderConfig struct {
	// Device connection
	Address     *string             `json:"address,omitempty"`
	Transport   *string             `json:"transport,omitempty"` // "tcp" or "serial"
	Serial      *device.PortOptions `json:"serial,omitempty"`
	DialTimeout *string             `json:"dial_timeout,omitempty"` // duration string like "5s"

	// Recorder loop
	ReadTimeout     *string `json:"read_timeout,omitempty"` // duration string like "100ms"
	JoinTimeout     *string `json:"join_timeout,omitempty"`
	MaxBufferBytes  *int    `json:"max_buffer_bytes,omitempty"`
	TimestampSource *string `json:"timestamp_source,omitempty"`
	StatsInterval   *string `json:"stats_interval,omitempty"`

	// HeartbeatInterval enables periodic heartbeat requests; unset disables.
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`

	// Output
	Sink       *string `json:"sink,omitempty"`
	OutputPath *string `json:"output_path,omitempty"`

	// Admin HTTP server; empty disables it.
	AdminListen *string `json:"admin_listen,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyRecorderConfig returns a RecorderConfig with all fields set to nil.
func EmptyRecorderConfig() *RecorderConfig {
	return &RecorderConfig{}
}

// DefaultRecorderConfig returns a config with every field populated from the
// built-in defaults.
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		Address:           ptrString(device.DefaultAddress),
		Transport:         ptrString(device.TransportTCP),
		DialTimeout:       ptrString("5s"),
		ReadTimeout:       ptrString("100ms"),
		JoinTimeout:       ptrString("2s"),
		MaxBufferBytes:    ptrInt(1 << 20),
		TimestampSource:   ptrString(TimestampLocal),
		StatsInterval:     ptrString("1m"),
		HeartbeatInterval: ptrString(""),
		Sink:              ptrString(SinkCSV),
		OutputPath:        ptrString(""),
		AdminListen:       ptrString(""),
	}
}

// LoadRecorderConfig loads a RecorderConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadRecorderConfig(path string) (*RecorderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 64KB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 64 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRecorderConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RecorderConfig) Validate() error {
	durations := map[string]*string{
		"dial_timeout":       c.DialTimeout,
		"read_timeout":       c.ReadTimeout,
		"join_timeout":       c.JoinTimeout,
		"stats_interval":     c.StatsInterval,
		"heartbeat_interval": c.HeartbeatInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.Transport != nil {
		switch *c.Transport {
		case device.TransportTCP, device.TransportSerial:
		default:
			return fmt.Errorf("unsupported transport %q: expected tcp or serial", *c.Transport)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	if c.MaxBufferBytes != nil && *c.MaxBufferBytes < 1024 {
		return fmt.Errorf("max_buffer_bytes must be at least 1024, got %d", *c.MaxBufferBytes)
	}

	if c.TimestampSource != nil {
		switch *c.TimestampSource {
		case TimestampLocal, TimestampDevice:
		default:
			return fmt.Errorf("unsupported timestamp_source %q: expected local or device", *c.TimestampSource)
		}
	}

	if c.Sink != nil {
		switch *c.Sink {
		case SinkCSV, SinkSQLite, SinkMemory:
		default:
			return fmt.Errorf("unsupported sink %q: expected csv, sqlite or memory", *c.Sink)
		}
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetAddress returns the device address or the default loopback telemetry port.
func (c *RecorderConfig) GetAddress() string {
	if c.Address == nil || strings.TrimSpace(*c.Address) == "" {
		return device.DefaultAddress
	}
	return strings.TrimSpace(*c.Address)
}

// GetTransport returns the transport kind or "tcp".
func (c *RecorderConfig) GetTransport() string {
	if c.Transport == nil || *c.Transport == "" {
		return device.TransportTCP
	}
	return *c.Transport
}

// GetSerial returns the serial port options, defaults applied by the device package.
func (c *RecorderConfig) GetSerial() device.PortOptions {
	if c.Serial == nil {
		return device.PortOptions{}
	}
	return *c.Serial
}

// GetDialTimeout returns the connect timeout.
func (c *RecorderConfig) GetDialTimeout() time.Duration {
	return parseDurationOr(c.DialTimeout, 5*time.Second)
}

// GetReadTimeout returns the per-read poll interval of the recorder loop.
func (c *RecorderConfig) GetReadTimeout() time.Duration {
	return parseDurationOr(c.ReadTimeout, 100*time.Millisecond)
}

// GetJoinTimeout returns how long Stop waits for the recorder loop.
func (c *RecorderConfig) GetJoinTimeout() time.Duration {
	return parseDurationOr(c.JoinTimeout, 2*time.Second)
}

// GetStatsInterval returns how often recorder statistics are logged.
func (c *RecorderConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, time.Minute)
}

// GetHeartbeatInterval returns the heartbeat period, zero when disabled.
func (c *RecorderConfig) GetHeartbeatInterval() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, 0)
}

// GetMaxBufferBytes returns the decoder buffer cap.
func (c *RecorderConfig) GetMaxBufferBytes() int {
	if c.MaxBufferBytes == nil || *c.MaxBufferBytes <= 0 {
		return 1 << 20
	}
	return *c.MaxBufferBytes
}

// GetTimestampSource returns "local" or "device".
func (c *RecorderConfig) GetTimestampSource() string {
	if c.TimestampSource == nil || *c.TimestampSource == "" {
		return TimestampLocal
	}
	return *c.TimestampSource
}

// GetSink returns the sink kind.
func (c *RecorderConfig) GetSink() string {
	if c.Sink == nil || *c.Sink == "" {
		return SinkCSV
	}
	return *c.Sink
}

// GetOutputPath returns the configured output path. When unset a
// timestamped name is generated from now, matching the sink kind.
func (c *RecorderConfig) GetOutputPath(now time.Time) string {
	if c.OutputPath != nil && *c.OutputPath != "" {
		return *c.OutputPath
	}
	ext := ".csv"
	if c.GetSink() == SinkSQLite {
		ext = ".db"
	}
	return fmt.Sprintf("gaze_data_%s%s", now.Format("2006-01-02_15-04-05"), ext)
}

// GetAdminListen returns the admin listen address, empty when disabled.
func (c *RecorderConfig) GetAdminListen() string {
	if c.AdminListen == nil {
		return ""
	}
	return *c.AdminListen
}

package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func capture(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() {
		Logf = original
		SetVerbose(false)
	})
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := capture(t)

	Logf("connected to %s", "127.0.0.1:6555")
	if len(*lines) != 1 || (*lines)[0] != "connected to 127.0.0.1:6555" {
		t.Fatalf("unexpected log lines: %q", *lines)
	}

	// nil installs a no-op and must not panic
	SetLogger(nil)
	Logf("dropped")
	if len(*lines) != 1 {
		t.Errorf("no-op logger should not reach the previous logger, got %q", *lines)
	}
}

func TestWarnf(t *testing.T) {
	lines := capture(t)

	Warnf("join timed out after %s", "2s")
	if len(*lines) != 1 {
		t.Fatalf("expected one line, got %d", len(*lines))
	}
	if !strings.HasPrefix((*lines)[0], "[WARNING] ") {
		t.Errorf("warning prefix missing: %q", (*lines)[0])
	}
}

func TestDebugf_Verbose(t *testing.T) {
	lines := capture(t)

	Debugf("chunk %d", 1)
	if len(*lines) != 0 {
		t.Fatalf("Debugf should be silent by default, got %q", *lines)
	}

	SetVerbose(true)
	Debugf("chunk %d", 2)
	if len(*lines) != 1 || (*lines)[0] != "chunk 2" {
		t.Errorf("unexpected verbose output: %q", *lines)
	}
}

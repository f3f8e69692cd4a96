package testutil

import (
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	t.Parallel()

	AssertError(t, errors.New("test error"))
}

func TestEventually(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(2 * time.Millisecond)
			n.Add(1)
		}
	}()
	Eventually(t, time.Second, func() bool { return n.Load() == 3 }, "counter never reached 3")
}

func TestWriteTempFile(t *testing.T) {
	t.Parallel()

	path := WriteTempFile(t, "cfg.json", []byte(`{}`))
	data, err := os.ReadFile(path)
	AssertNoError(t, err)
	if string(data) != "{}" {
		t.Errorf("content = %q, want {}", data)
	}
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()

	req := NewTestRequest("GET", "/test")
	if req.Method != "GET" {
		t.Errorf("method = %s, want GET", req.Method)
	}
	if req.URL.Path != "/test" {
		t.Errorf("path = %s, want /test", req.URL.Path)
	}
}

func TestNewTestRecorder(t *testing.T) {
	t.Parallel()

	rec := NewTestRecorder()
	if rec == nil {
		t.Fatal("recorder is nil")
	}
}

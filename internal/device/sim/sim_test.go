package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/framing"
	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func TestFrame_IsExtractable(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	raw := Frame(0, at)
	require.True(t, json.Valid(raw))

	smp, err := gaze.Extract(framing.Frame{Raw: raw})
	require.NoError(t, err)
	require.True(t, smp.HasPoint())
	assert.InDelta(t, 1260.0, *smp.X, 1e-9)
	assert.InDelta(t, 540.0, *smp.Y, 1e-9)
	fix, ok := smp.Fixated()
	require.True(t, ok)
	assert.True(t, fix)
	require.NotNil(t, smp.DeviceTime)
	assert.True(t, smp.DeviceTime.Equal(at))
	require.NotNil(t, smp.LeftPupil)
	require.NotNil(t, smp.RightPupil)

	later, err := gaze.Extract(framing.Frame{Raw: Frame(30, at)})
	require.NoError(t, err)
	fix, ok = later.Fixated()
	require.True(t, ok)
	assert.False(t, fix, "fixation toggles every 30 frames")
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_HandshakeAndStream(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", Options{Interval: time.Millisecond, MaxFrames: 5, SplitMax: 4, Seed: 1})
	require.NoError(t, err)
	srv.Start(context.Background())
	defer srv.Close()

	c := dial(t, srv)
	_, err = c.Write([]byte(`{"category":"tracker","request":"set","values":{"push":true}}` + "\n"))
	require.NoError(t, err)

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the handshake")
	}
	assert.Equal(t, 1, srv.Clients())

	dec := framing.NewDecoder(0)
	var frames []framing.Frame
	buf := make([]byte, 64)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(frames) < 6 {
		n, err := c.Read(buf)
		require.NoError(t, err)
		res, err := dec.Feed(buf[:n])
		require.NoError(t, err)
		assert.Empty(t, res.Errors)
		frames = append(frames, res.Frames...)
	}

	assert.JSONEq(t, `{"category":"tracker","request":"set","statuscode":200}`, string(frames[0].Raw))
	for i, f := range frames[1:] {
		_, err := gaze.Extract(f)
		assert.NoError(t, err, "frame %d", i)
	}
}

func TestServer_HeartbeatReply(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", Options{})
	require.NoError(t, err)
	srv.Start(context.Background())
	defer srv.Close()

	c := dial(t, srv)
	_, err = c.Write([]byte("not json\n" + `{"category":"heartbeat"}` + "\n"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(c).ReadString('}')
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"heartbeat","statuscode":200}`, line)
}

func TestServer_SendWithGarbage(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", Options{SplitMax: 3, Seed: 9})
	require.NoError(t, err)
	srv.Start(context.Background())
	defer srv.Close()

	c := dial(t, srv)
	_, err = c.Write([]byte(`{"category":"tracker"}` + "\n"))
	require.NoError(t, err)
	<-srv.Ready()

	srv.Send([]byte(`{"values":{"frame":]]garbage`))
	srv.Send(Frame(1, time.Now()))

	dec := framing.NewDecoder(0)
	var (
		frames []framing.Frame
		errs   int
	)
	buf := make([]byte, 16)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(frames) < 2 {
		n, err := c.Read(buf)
		require.NoError(t, err)
		res, err := dec.Feed(buf[:n])
		require.NoError(t, err)
		errs += len(res.Errors)
		frames = append(frames, res.Frames...)
	}
	assert.GreaterOrEqual(t, errs, 1, "a garbage span split across reads may be reported in pieces")
	assert.True(t, strings.Contains(string(frames[1].Raw), `"frame"`))
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", Options{Interval: time.Millisecond})
	require.NoError(t, err)
	srv.Start(context.Background())

	c := dial(t, srv)
	_, err = c.Write([]byte(`{"category":"tracker"}` + "\n"))
	require.NoError(t, err)
	<-srv.Ready()

	require.NoError(t, srv.Close())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			assert.NotContains(t, err.Error(), "timeout")
			return
		}
	}
}

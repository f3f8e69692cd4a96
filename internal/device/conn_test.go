package device

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenOnce accepts one connection and hands it to fn.
func listenOnce(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		fn(c)
	}()
	return ln.Addr().String()
}

func TestOpen_SendsPushHandshake(t *testing.T) {
	got := make(chan string, 1)
	addr := listenOnce(t, func(c net.Conn) {
		defer c.Close()
		line, _ := bufio.NewReader(c).ReadString('\n')
		got <- line
	})

	conn, err := Open(context.Background(), Options{Address: addr})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case line := <-got:
		assert.Equal(t, string(PushRequest), line)
		assert.True(t, strings.HasSuffix(line, "\n"), "handshake must be newline terminated")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the handshake")
	}
	assert.Equal(t, addr, conn.Name())
}

func TestOpen_ConnectionRefused(t *testing.T) {
	// grab a free port and release it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Open(context.Background(), Options{Address: addr, DialTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dial", ce.Op)
	assert.Equal(t, addr, ce.Addr)
}

func TestOpen_HandshakeWriteFails(t *testing.T) {
	port := NewTestablePort()
	port.WriteError = errors.New("broken pipe")

	_, err := Open(context.Background(), Options{
		Transport:  TransportSerial,
		Address:    "/dev/ttyUSB0",
		OpenSerial: func(string, PortOptions) (Port, error) { return port, nil },
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "handshake", ce.Op)
	assert.True(t, port.IsClosed(), "port must be released after a failed handshake")
}

func TestOpen_SerialPrefix(t *testing.T) {
	port := NewTestablePort()
	var gotPath string
	var gotOpts PortOptions

	conn, err := Open(context.Background(), Options{
		Address: "serial:///dev/ttyACM0",
		Serial:  PortOptions{BaudRate: 57600},
		OpenSerial: func(path string, opts PortOptions) (Port, error) {
			gotPath, gotOpts = path, opts
			return port, nil
		},
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "/dev/ttyACM0", gotPath)
	assert.Equal(t, 57600, gotOpts.BaudRate)
	assert.Equal(t, PushRequest, port.GetWrittenData())
}

func TestOpen_SerialOpenFails(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Transport:  TransportSerial,
		Address:    "/dev/missing",
		OpenSerial: func(string, PortOptions) (Port, error) { return nil, errors.New("no such device") },
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
}

func TestOpen_UnsupportedTransport(t *testing.T) {
	_, err := Open(context.Background(), Options{Transport: "bluetooth", Address: "x"})
	assert.True(t, errors.Is(err, ErrConnection))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name          string
		opts          Options
		wantTransport string
		wantAddr      string
	}{
		{"defaults", Options{}, TransportTCP, DefaultAddress},
		{"tcp prefix", Options{Address: "tcp://10.0.0.2:6555"}, TransportTCP, "10.0.0.2:6555"},
		{"serial prefix", Options{Address: "serial:///dev/ttyUSB1"}, TransportSerial, "/dev/ttyUSB1"},
		{"explicit serial", Options{Transport: TransportSerial, Address: "/dev/ttyS0"}, TransportSerial, "/dev/ttyS0"},
		{"whitespace", Options{Address: "  127.0.0.1:7000 "}, TransportTCP, "127.0.0.1:7000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, addr := resolve(tt.opts)
			if transport != tt.wantTransport || addr != tt.wantAddr {
				t.Errorf("resolve() = (%q, %q), want (%q, %q)", transport, addr, tt.wantTransport, tt.wantAddr)
			}
		})
	}
}

func TestReadChunk_TCPTimeoutThenData(t *testing.T) {
	release := make(chan struct{})
	addr := listenOnce(t, func(c net.Conn) {
		defer c.Close()
		bufio.NewReader(c).ReadString('\n')
		<-release
		c.Write([]byte(`{"values":{}}`))
		time.Sleep(100 * time.Millisecond)
	})

	conn, err := Open(context.Background(), Options{Address: addr})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadChunk(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	close(release)
	var chunk []byte
	for i := 0; i < 50 && len(chunk) == 0; i++ {
		chunk, err = conn.ReadChunk(50 * time.Millisecond)
		if errors.Is(err, ErrTimedOut) {
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, `{"values":{}}`, string(chunk))
}

func TestReadChunk_RemoteCloseIsEOF(t *testing.T) {
	addr := listenOnce(t, func(c net.Conn) {
		bufio.NewReader(c).ReadString('\n')
		c.Close()
	})

	conn, err := Open(context.Background(), Options{Address: addr})
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err = conn.ReadChunk(50 * time.Millisecond)
		if !errors.Is(err, ErrTimedOut) {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadChunk_SerialTimeout(t *testing.T) {
	port := NewTestablePort()
	conn := NewConn(port, "mock")

	_, err := conn.ReadChunk(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	port.AddReadData([]byte("abc"))
	chunk, err := conn.ReadChunk(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), chunk)

	// returned chunks are not aliased to the read buffer
	port.AddReadData([]byte("xyz"))
	_, err = conn.ReadChunk(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), chunk)
}

func TestReadChunk_ErrorPropagates(t *testing.T) {
	port := NewTestablePort()
	conn := NewConn(port, "mock")
	port.FailReads(errors.New("device unplugged"))

	_, err := conn.ReadChunk(10 * time.Millisecond)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimedOut)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestClose_Idempotent(t *testing.T) {
	port := NewTestablePort()
	port.CloseError = errors.New("close failed")
	conn := NewConn(port, "mock")

	err1 := conn.Close()
	err2 := conn.Close()
	assert.Equal(t, err1, err2)
	assert.True(t, port.IsClosed())

	_, err := conn.ReadChunk(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.Write(HeartbeatRequest), ErrClosed)
}

func TestClose_UnblocksReader(t *testing.T) {
	port := NewTestablePort()
	conn := NewConn(port, "mock")

	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadChunk(0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadChunk did not return after Close")
	}
}

func TestWrite_ShortWrite(t *testing.T) {
	conn := NewConn(shortWriter{}, "short")
	assert.ErrorIs(t, conn.Write([]byte("hello")), io.ErrShortWrite)
}

type shortWriter struct{}

func (shortWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (shortWriter) Write(p []byte) (int, error) { return len(p) - 1, nil }
func (shortWriter) Close() error                { return nil }

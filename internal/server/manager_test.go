package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
}

func TestManagerServesRequests(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.ShutdownTimeout = time.Second

	m := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + cfg.Addr + "/")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.True(t, m.IsRunning())
}

func TestManagerDoubleStart(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.ShutdownTimeout = time.Second

	m := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	assert.Error(t, m.Start())
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.ShutdownTimeout = time.Second

	m := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, m.Start())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	// Shutdown is idempotent, Start after shutdown is rejected.
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Start())
}

func TestManagerListenFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))

	first := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	second := NewManager(okHandler(), cfg, zap.NewNop())
	assert.Error(t, second.Start())
}

func TestManagerConnectionLimit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.MaxConnections = 1
	cfg.ShutdownTimeout = time.Second

	m := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	// Hold the single allowed connection open; a second dial must not be
	// accepted until the first is released.
	hold, err := net.DialTimeout("tcp", cfg.Addr, time.Second)
	require.NoError(t, err)
	defer hold.Close()

	second, err := net.DialTimeout("tcp", cfg.Addr, time.Second)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = second.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err, "second connection should be queued behind the limit")
}

package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/types"
)

func TestCorrelatorResolvesRegisteredRequest(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	c.Register("req-1")
	go func() {
		c.Resolve(&engine.RemoteResponse{RequestID: "req-1"})
	}()

	resp, err := c.Await(context.Background(), "req-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorTimesOut(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	c.Register("req-2")
	resp, err := c.Await(context.Background(), "req-2", 10*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorDiscardsLateResponse(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	c.Register("req-3")
	_, err := c.Await(context.Background(), "req-3", 10*time.Millisecond)
	require.Error(t, err)

	// The wait is gone; the response must not be delivered anywhere.
	delivered := c.Resolve(&engine.RemoteResponse{RequestID: "req-3"})
	assert.False(t, delivered)
}

func TestCorrelatorDiscardsUnknownResponse(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	assert.False(t, c.Resolve(&engine.RemoteResponse{RequestID: "never-registered"}))
	assert.False(t, c.Resolve(nil))
}

func TestCorrelatorAwaitCancelled(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	c.Register("req-4")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Await(ctx, "req-4", time.Second)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
}

func TestCorrelatorAwaitUnregistered(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	_, err := c.Await(context.Background(), "missing", time.Second)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
}

func TestCorrelatorSweepExpiresAbandonedEntries(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(time.Second, zap.NewNop())
	defer c.Close()

	c.Register("stale")
	require.Equal(t, 1, c.PendingCount())

	c.sweep(time.Now().Add(2 * time.Second))
	assert.Equal(t, 0, c.PendingCount())
}

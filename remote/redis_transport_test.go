package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/types"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// fakeRemoteService subscribes to the request channel and answers every
// request by publishing a response, the way a remote bot process would.
func fakeRemoteService(t *testing.T, client redis.UniversalClient, reqCh, respCh string, answer func(engine.RemoteRequest) engine.RemoteResponse) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub := client.Subscribe(ctx, reqCh)
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		sub.Close()
	})

	go func() {
		for msg := range sub.Channel() {
			var req engine.RemoteRequest
			if json.Unmarshal([]byte(msg.Payload), &req) != nil {
				continue
			}
			resp := answer(req)
			payload, _ := json.Marshal(resp)
			client.Publish(context.Background(), respCh, payload)
		}
	}()
}

func TestRedisTransportExchange(t *testing.T) {
	t.Parallel()

	_, client := newTestRedis(t)

	fakeRemoteService(t, client, "bot:requests", "bot:responses", func(req engine.RemoteRequest) engine.RemoteResponse {
		return engine.RemoteResponse{
			RequestID: req.RequestID,
			Messages:  []engine.RemoteMessage{{Type: engine.MessageSentence, Text: "pong"}},
		}
	})

	transport, err := NewRedisTransport(client, RedisTransportConfig{
		RequestChannel:  "bot:requests",
		ResponseChannel: "bot:responses",
		Timeout:         2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	defer transport.Close()

	resp, err := transport.Exchange(context.Background(), &engine.RemoteRequest{
		RequestID: "req-1",
		StoryID:   "greetings",
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "pong", resp.Messages[0].Text)
}

func TestRedisTransportTimeout(t *testing.T) {
	t.Parallel()

	_, client := newTestRedis(t)

	// Nobody answers on the response channel.
	transport, err := NewRedisTransport(client, RedisTransportConfig{
		RequestChannel:  "bot:requests",
		ResponseChannel: "bot:responses",
		Timeout:         50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Exchange(context.Background(), &engine.RemoteRequest{RequestID: "req-1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
}

func TestRedisTransportIgnoresMalformedPayloads(t *testing.T) {
	t.Parallel()

	_, client := newTestRedis(t)

	fakeRemoteService(t, client, "bot:requests", "bot:responses", func(req engine.RemoteRequest) engine.RemoteResponse {
		return engine.RemoteResponse{RequestID: req.RequestID}
	})

	transport, err := NewRedisTransport(client, RedisTransportConfig{
		RequestChannel:  "bot:requests",
		ResponseChannel: "bot:responses",
		Timeout:         2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	defer transport.Close()

	// A junk frame on the response channel must not break correlation.
	require.NoError(t, client.Publish(context.Background(), "bot:responses", "not json").Err())

	resp, err := transport.Exchange(context.Background(), &engine.RemoteRequest{RequestID: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, "req-2", resp.RequestID)
}

func TestRedisTransportRequiresChannels(t *testing.T) {
	t.Parallel()

	_, client := newTestRedis(t)

	_, err := NewRedisTransport(client, RedisTransportConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidConfig, types.GetErrorCode(err))
}

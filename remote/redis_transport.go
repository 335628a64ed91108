package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/types"
)

// RedisTransport exchanges turn requests with a remote story service over
// redis pub/sub. Requests are published on the request channel and the
// remote process pushes responses on the response channel, which a
// background subscriber feeds into the correlator.
type RedisTransport struct {
	client          redis.UniversalClient
	requestChannel  string
	responseChannel string
	timeout         time.Duration

	correlator *Correlator
	logger     *zap.Logger
	collector  *metrics.Collector

	sub    *redis.PubSub
	cancel context.CancelFunc
}

// RedisTransportConfig configures a RedisTransport.
type RedisTransportConfig struct {
	RequestChannel  string
	ResponseChannel string
	// Timeout bounds each exchange; defaults to 10s.
	Timeout time.Duration
}

// NewRedisTransport creates the transport and starts the response
// subscriber. Close releases the subscription.
func NewRedisTransport(client redis.UniversalClient, cfg RedisTransportConfig, logger *zap.Logger) (*RedisTransport, error) {
	if cfg.RequestChannel == "" || cfg.ResponseChannel == "" {
		return nil, types.NewError(types.ErrInvalidConfig, "redis transport requires request and response channels")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "redis_transport"))

	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		client:          client,
		requestChannel:  cfg.RequestChannel,
		responseChannel: cfg.ResponseChannel,
		timeout:         cfg.Timeout,
		correlator:      NewCorrelator(cfg.Timeout+cfg.Timeout/2, logger),
		logger:          logger,
		cancel:          cancel,
	}

	t.sub = client.Subscribe(ctx, cfg.ResponseChannel)
	// Force the subscription to be established before any publish.
	if _, err := t.sub.Receive(ctx); err != nil {
		cancel()
		t.correlator.Close()
		return nil, types.NewError(types.ErrStorageConnection, "failed to subscribe to response channel").WithCause(err)
	}
	go t.consume(ctx)
	return t, nil
}

// SetMetrics attaches a metrics collector.
func (t *RedisTransport) SetMetrics(collector *metrics.Collector) {
	t.collector = collector
	t.correlator.SetMetrics(collector)
}

// Exchange implements engine.Transport.
func (t *RedisTransport) Exchange(ctx context.Context, req *engine.RemoteRequest) (*engine.RemoteResponse, error) {
	start := time.Now()
	resp, err := t.exchange(ctx, req)
	if t.collector != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		t.collector.RecordRemoteExchange("redis", outcome, time.Since(start))
	}
	return resp, err
}

func (t *RedisTransport) exchange(ctx context.Context, req *engine.RemoteRequest) (*engine.RemoteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrNoRemoteResponse, "failed to encode request").WithCause(err)
	}

	// Registered before publishing so a fast response cannot be lost.
	t.correlator.Register(req.RequestID)

	if err := t.client.Publish(ctx, t.requestChannel, payload).Err(); err != nil {
		t.correlator.remove(req.RequestID)
		return nil, types.NewError(types.ErrNoRemoteResponse, "failed to publish request").WithCause(err).WithRetryable(true)
	}
	return t.correlator.Await(ctx, req.RequestID, t.timeout)
}

// Close stops the response subscriber and the correlator sweep.
func (t *RedisTransport) Close() error {
	t.cancel()
	t.correlator.Close()
	return t.sub.Close()
}

func (t *RedisTransport) consume(ctx context.Context) {
	ch := t.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var resp engine.RemoteResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				t.logger.Warn("dropping malformed response payload", zap.Error(err))
				continue
			}
			t.correlator.Resolve(&resp)
		}
	}
}

var _ engine.Transport = (*RedisTransport)(nil)

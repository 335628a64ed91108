package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/types"
)

// Correlator matches asynchronously pushed responses to their pending
// requests by request id. It is an explicit in-memory table owned by the
// transport; entries expire after the wait timeout plus a grace period,
// and a periodic sweep removes whatever the waiters did not consume.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingWait

	ttl       time.Duration
	logger    *zap.Logger
	collector *metrics.Collector

	stop     chan struct{}
	stopOnce sync.Once
}

type pendingWait struct {
	ch        chan *engine.RemoteResponse
	expiresAt time.Time
}

// NewCorrelator creates a correlator whose entries expire after ttl.
func NewCorrelator(ttl time.Duration, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	c := &Correlator{
		pending: make(map[string]*pendingWait),
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "correlator")),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SetMetrics attaches a metrics collector.
func (c *Correlator) SetMetrics(collector *metrics.Collector) {
	c.collector = collector
}

// Register creates a pending wait for the request id. It must be called
// before the request is published so a fast response cannot race the
// waiter.
func (c *Correlator) Register(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = &pendingWait{
		ch:        make(chan *engine.RemoteResponse, 1),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Await blocks until the correlated response arrives or the timeout
// elapses. On timeout the wait is abandoned and a NO_REMOTE_RESPONSE
// error is returned; a response arriving later is discarded by Resolve.
func (c *Correlator) Await(ctx context.Context, requestID string, timeout time.Duration) (*engine.RemoteResponse, error) {
	c.mu.Lock()
	wait, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNoRemoteResponse, "request "+requestID+" was never registered")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-wait.ch:
		c.remove(requestID)
		return resp, nil
	case <-timer.C:
		c.remove(requestID)
		return nil, types.NewError(types.ErrNoRemoteResponse, "no response for request "+requestID+" within "+timeout.String())
	case <-ctx.Done():
		c.remove(requestID)
		return nil, types.NewError(types.ErrNoRemoteResponse, "wait cancelled for request "+requestID).WithCause(ctx.Err())
	}
}

// Resolve delivers a pushed response to its waiter. A response whose wait
// was already abandoned or never existed is discarded with a warning and
// never applied to a dialog from a completed turn.
func (c *Correlator) Resolve(resp *engine.RemoteResponse) bool {
	if resp == nil {
		return false
	}
	c.mu.Lock()
	wait, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("discarding late or unknown response", zap.String("request_id", resp.RequestID))
		if c.collector != nil {
			c.collector.RecordLateResponse()
		}
		return false
	}
	wait.ch <- resp
	return true
}

// PendingCount returns the number of unresolved waits.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the expiry sweep.
func (c *Correlator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Correlator) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Correlator) sweepLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Correlator) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, wait := range c.pending {
		if now.After(wait.expiresAt) {
			delete(c.pending, id)
			c.logger.Debug("expired pending request", zap.String("request_id", id))
		}
	}
}

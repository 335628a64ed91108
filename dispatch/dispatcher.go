// Package dispatch serializes turn processing per conversation. Each
// active conversation owns a mailbox drained by a single worker in
// arrival order, so dialog state is never touched concurrently, while
// distinct conversations proceed in parallel up to a bounded limit.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/botflow/engine"
)

// Common errors
var (
	ErrClosed      = errors.New("dispatcher is closed")
	ErrQueueFull   = errors.New("conversation mailbox is full")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// TurnFunc processes one inbound action for a player.
type TurnFunc func(ctx context.Context, playerID string, action *engine.Action) error

type envelope struct {
	ctx      context.Context
	playerID string
	action   *engine.Action
}

// Dispatcher routes inbound actions through per-conversation mailboxes.
type Dispatcher struct {
	process TurnFunc
	logger  *zap.Logger

	queueSize int
	limiter   *rate.Limiter

	group *errgroup.Group
	wg    sync.WaitGroup

	mu        sync.Mutex
	mailboxes map[string]chan envelope
	closed    bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrency bounds the number of conversations processed in
// parallel; defaults to 16.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.group.SetLimit(n)
		}
	}
}

// WithQueueSize sets the per-conversation mailbox capacity; defaults
// to 64.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithRateLimit applies a global intake rate limit.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewDispatcher creates a dispatcher invoking process for each action.
func NewDispatcher(process TurnFunc, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		process:   process,
		logger:    logger.With(zap.String("component", "dispatcher")),
		queueSize: 64,
		group:     &errgroup.Group{},
		mailboxes: make(map[string]chan envelope),
	}
	d.group.SetLimit(16)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues the action for its conversation. Actions for the
// same player are processed strictly in arrival order; a full mailbox or
// an exceeded rate limit rejects the action instead of blocking intake.
//
// An accepted action outlives the caller: the context's values carry
// into processing, but its cancellation does not abort a turn that has
// already been enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, playerID string, action *engine.Action) error {
	if d.limiter != nil && !d.limiter.Allow() {
		return ErrRateLimited
	}

	turnCtx := context.Background()
	if ctx != nil {
		turnCtx = context.WithoutCancel(ctx)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	box, ok := d.mailboxes[playerID]
	if !ok {
		box = make(chan envelope, d.queueSize)
		d.mailboxes[playerID] = box
		d.startWorker(playerID, box)
	}
	select {
	case box <- envelope{ctx: turnCtx, playerID: playerID, action: action}:
		d.mu.Unlock()
		return nil
	default:
		d.mu.Unlock()
		return ErrQueueFull
	}
}

// Close stops intake and waits for all queued turns to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, box := range d.mailboxes {
		close(box)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return d.group.Wait()
}

// startWorker is called with d.mu held, so the WaitGroup increment is
// visible before Close releases the mutex and waits. The errgroup bounds
// how many workers run at once; the hand-off goroutine keeps Dispatch
// from blocking while a slot is awaited.
func (d *Dispatcher) startWorker(playerID string, box chan envelope) {
	d.wg.Add(1)
	go d.group.Go(func() error {
		defer d.wg.Done()
		d.drain(playerID, box)
		return nil
	})
}

// drain processes the mailbox until it is empty, then retires the
// worker. A message arriving after the empty check but before the map
// delete lands in the old mailbox, so the worker re-checks after
// deleting.
func (d *Dispatcher) drain(playerID string, box chan envelope) {
	for {
		for {
			env, ok := tryRecv(box)
			if !ok {
				break
			}
			d.processOne(env)
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			for env := range box {
				d.processOne(env)
			}
			return
		}
		if len(box) == 0 {
			delete(d.mailboxes, playerID)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

func tryRecv(box chan envelope) (envelope, bool) {
	select {
	case env, ok := <-box:
		return env, ok
	default:
		return envelope{}, false
	}
}

func (d *Dispatcher) processOne(env envelope) {
	ctx := env.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.process(ctx, env.playerID, env.action); err != nil {
		d.logger.Warn("turn processing failed",
			zap.String("player_id", env.playerID),
			zap.String("action_kind", env.action.Kind.String()),
			zap.Error(err),
		)
	}
}

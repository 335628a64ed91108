package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/botflow/engine"
)

type recorder struct {
	mu    sync.Mutex
	byKey map[string][]string
}

func newRecorder() *recorder {
	return &recorder{byKey: make(map[string][]string)}
}

func (r *recorder) process(ctx context.Context, playerID string, action *engine.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[playerID] = append(r.byKey[playerID], action.Text)
	return nil
}

func (r *recorder) get(playerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.byKey[playerID]))
	copy(out, r.byKey[playerID])
	return out
}

func TestDispatcherProcessesInArrivalOrder(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := NewDispatcher(rec.process, zap.NewNop())

	texts := []string{"one", "two", "three", "four", "five"}
	for _, text := range texts {
		require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", text)))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, texts, rec.get("alice"))
}

func TestDispatcherIsolatesConversations(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := NewDispatcher(rec.process, zap.NewNop(), WithMaxConcurrency(4))

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "a")))
		require.NoError(t, d.Dispatch(context.Background(), "bob", engine.NewSentence("bob", "bot", "b")))
	}
	require.NoError(t, d.Close())

	assert.Len(t, rec.get("alice"), 10)
	assert.Len(t, rec.get("bob"), 10)
}

func TestDispatcherSerializesWithinConversation(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var active, maxActive int

	d := NewDispatcher(func(ctx context.Context, playerID string, action *engine.Action) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}, zap.NewNop(), WithMaxConcurrency(8))

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "x")))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 1, maxActive, "one conversation never has concurrent turns")
}

func TestDispatcherQueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	d := NewDispatcher(func(ctx context.Context, playerID string, action *engine.Action) error {
		<-release
		return nil
	}, zap.NewNop(), WithQueueSize(1))

	// First fills the worker, the mailbox absorbs one more, then intake
	// rejects instead of blocking.
	require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "a")))

	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "b")); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)

	close(release)
	require.NoError(t, d.Close())
}

func TestDispatcherRateLimit(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := NewDispatcher(rec.process, zap.NewNop(), WithRateLimit(rate.Limit(1), 2))
	defer d.Close()

	require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "a")))
	require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "b")))

	err := d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "c"))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDispatcherDetachesCallerContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	errs := make(chan error, 1)
	d := NewDispatcher(func(ctx context.Context, playerID string, action *engine.Action) error {
		<-release
		errs <- ctx.Err()
		return nil
	}, zap.NewNop())

	// An HTTP handler enqueues with the request context and returns 202;
	// net/http then cancels that context while the turn is still queued.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, "alice", engine.NewSentence("alice", "bot", "hi")))
	cancel()
	close(release)
	require.NoError(t, d.Close())

	assert.NoError(t, <-errs, "accepted turn must not run under a cancelled context")
}

func TestDispatcherCloseWaitsForQueuedTurns(t *testing.T) {
	t.Parallel()

	// The worker registers with its group asynchronously; Close must still
	// observe it. Iterate to hit the narrow window between Dispatch
	// returning and the worker goroutine starting.
	for i := 0; i < 100; i++ {
		rec := newRecorder()
		d := NewDispatcher(rec.process, zap.NewNop(), WithMaxConcurrency(1))
		require.NoError(t, d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "hi")))
		require.NoError(t, d.Close())
		require.Len(t, rec.get("alice"), 1, "iteration %d: Close returned before the queued turn was processed", i)
	}
}

func TestDispatcherClosed(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(newRecorder().process, zap.NewNop())
	require.NoError(t, d.Close())

	err := d.Dispatch(context.Background(), "alice", engine.NewSentence("alice", "bot", "a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, d.Close(), "double close is fine")
}

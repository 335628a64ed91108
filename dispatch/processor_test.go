package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/store"
)

type testConnector struct {
	mu   sync.Mutex
	sent []*engine.Action
}

func (c *testConnector) ConnectorType() string { return "test" }

func (c *testConnector) LoadProfile(ctx context.Context, userID string) (*engine.Profile, error) {
	return &engine.Profile{FirstName: "Alice", Locale: "en"}, nil
}

func (c *testConnector) RefreshProfile(ctx context.Context, userID string) (*engine.Profile, error) {
	return nil, nil
}

func (c *testConnector) StartTyping(ctx context.Context, action *engine.Action) error { return nil }

func (c *testConnector) Send(ctx context.Context, action *engine.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, action)
	return nil
}

func (c *testConnector) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, a := range c.sent {
		out = append(out, a.Text)
	}
	return out
}

type keywordParser struct{}

func (keywordParser) Parse(ctx context.Context, action *engine.Action, timeline *engine.UserTimeline, dialog *engine.Dialog, connector engine.ConnectorCapability, index *engine.BotDefinitionIndex) error {
	action.State.IntentName = index.FindIntent(action.Text)
	return nil
}

func (keywordParser) MarkAsUnknown(ctx context.Context, action *engine.Action, timeline *engine.UserTimeline, index *engine.BotDefinitionIndex) {
}

func newTestPipeline(t *testing.T) (*Processor, *testConnector, store.UserTimelineStore) {
	t.Helper()

	echo := engine.HandlerFunc(func(tc *engine.TurnContext) error {
		return tc.EndText("you said " + tc.Action.Text)
	})
	defs := []*engine.StoryDefinition{
		{ID: "greetings", StarterIntents: []string{"hello"}, Handler: echo},
		{ID: "fallback", StarterIntents: []string{engine.IntentUnknown}, Handler: echo},
	}
	ix, err := engine.NewBotDefinitionIndex(defs, zap.NewNop())
	require.NoError(t, err)

	eng := engine.NewConversationEngine(ix, keywordParser{}, zap.NewNop())
	timelines := store.NewMemoryTimelineStore()
	connector := &testConnector{}
	return NewProcessor(eng, timelines, ix, connector, zap.NewNop()), connector, timelines
}

func TestProcessorRoutesAndPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, connector, timelines := newTestPipeline(t)

	require.NoError(t, p.Process(ctx, "alice", engine.NewSentence("alice", "bot", "hello")))
	assert.Equal(t, []string{"you said hello"}, connector.sentTexts())

	ix := timelinesResolver(t, timelines)
	timeline, err := timelines.Load(ctx, "alice", ix)
	require.NoError(t, err)
	assert.Equal(t, "Alice", timeline.Preferences.FirstName, "profile loaded on first contact")
	require.NotNil(t, timeline.CurrentDialog())
	assert.Equal(t, "hello", timeline.CurrentDialog().State.CurrentIntent)
}

func TestProcessorContinuesConversationAcrossTurns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _, timelines := newTestPipeline(t)

	require.NoError(t, p.Process(ctx, "alice", engine.NewSentence("alice", "bot", "hello")))
	require.NoError(t, p.Process(ctx, "alice", engine.NewSentence("alice", "bot", "hello")))

	timeline, err := timelines.Load(ctx, "alice", timelinesResolver(t, timelines))
	require.NoError(t, err)
	require.Len(t, timeline.Dialogs, 1, "new turns continue the same dialog")
	assert.Len(t, timeline.CurrentDialog().Stories, 1, "supported intent continues the story")
	assert.Len(t, timeline.CurrentDialog().CurrentStory().Actions, 2, "both inbound turns logged on the story")
}

// timelinesResolver rebuilds the definition index the tests route with so
// loads resolve against the same definitions.
func timelinesResolver(t *testing.T, _ store.UserTimelineStore) *engine.BotDefinitionIndex {
	t.Helper()
	echo := engine.HandlerFunc(func(tc *engine.TurnContext) error { return nil })
	defs := []*engine.StoryDefinition{
		{ID: "greetings", StarterIntents: []string{"hello"}, Handler: echo},
		{ID: "fallback", StarterIntents: []string{engine.IntentUnknown}, Handler: echo},
	}
	ix, err := engine.NewBotDefinitionIndex(defs, zap.NewNop())
	require.NoError(t, err)
	return ix
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBotDefinitionIndex_RequiresUnknownStory(t *testing.T) {
	t.Parallel()

	_, err := NewBotDefinitionIndex([]*StoryDefinition{
		{ID: "welcome", StarterIntents: []string{"greeting"}},
	}, zap.NewNop())
	require.Error(t, err)
}

func TestNewBotDefinitionIndex_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewBotDefinitionIndex([]*StoryDefinition{
		{ID: "welcome", StarterIntents: []string{"greeting"}},
		{ID: "welcome", StarterIntents: []string{IntentUnknown}},
	}, zap.NewNop())
	require.Error(t, err)
}

func TestIndex_FindStoryDefinition(t *testing.T) {
	t.Parallel()

	ix := testIndex(t)

	assert.Equal(t, "welcome", ix.FindStoryDefinition("greeting").ID)
	assert.Equal(t, "order", ix.FindStoryDefinition("order_pizza").ID)

	// Secondary intents do not bind a story; they fall back to unknown.
	assert.Same(t, ix.UnknownStory(), ix.FindStoryDefinition("choose_size"))

	// Story ids match as a fallback.
	assert.Equal(t, "order", ix.FindStoryDefinition("order").ID)

	assert.Same(t, ix.UnknownStory(), ix.FindStoryDefinition(""))
	assert.Same(t, ix.UnknownStory(), ix.FindStoryDefinition("no_such_intent"))
}

func TestIndex_FindIntent(t *testing.T) {
	t.Parallel()

	ix := testIndex(t)
	assert.Equal(t, "greeting", ix.FindIntent("greeting"))
	assert.Equal(t, "choose_size", ix.FindIntent("choose_size"), "secondary intents are known intents")
	assert.Equal(t, IntentUnknown, ix.FindIntent("made_up"))
}

func TestIndex_EnablingDisabling(t *testing.T) {
	t.Parallel()

	ix := testIndex(t, WithEnablingIntents("greeting"), WithDisablingIntents("goodbye"))
	assert.True(t, ix.IsEnablingIntent("greeting"))
	assert.False(t, ix.IsEnablingIntent("goodbye"))
	assert.True(t, ix.IsDisablingIntent("goodbye"))
	assert.False(t, ix.IsDisablingIntent("greeting"))
}

func TestIndex_FindByID(t *testing.T) {
	t.Parallel()

	ix := testIndex(t)
	def, ok := ix.FindByID("order")
	require.True(t, ok)
	assert.Equal(t, "order", def.ID)

	_, ok = ix.FindByID("missing")
	assert.False(t, ok)

	assert.Len(t, ix.Stories(), 3)
}

func TestIndex_FirstStarterIntentBindingWins(t *testing.T) {
	t.Parallel()

	first := &StoryDefinition{ID: "a", StarterIntents: []string{"dup"}}
	second := &StoryDefinition{ID: "b", StarterIntents: []string{"dup", IntentUnknown}}
	ix, err := NewBotDefinitionIndex([]*StoryDefinition{first, second}, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, first, ix.FindStoryDefinition("dup"))
}

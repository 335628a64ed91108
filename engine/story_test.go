package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderDefinition() *StoryDefinition {
	return &StoryDefinition{
		ID:             "order",
		StarterIntents: []string{"order_pizza"},
		Intents:        []string{"choose_size", "choose_topping"},
		Steps: []StepDefinition{
			{Name: "size", Intents: []string{"choose_size"}},
			{Name: "topping", Intents: []string{"choose_topping"}},
		},
	}
}

func TestStoryDefinition_Intents(t *testing.T) {
	t.Parallel()

	def := orderDefinition()
	assert.Equal(t, "order_pizza", def.MainIntent())
	assert.True(t, def.IsStarterIntent("order_pizza"))
	assert.False(t, def.IsStarterIntent("choose_size"))
	assert.True(t, def.SupportsIntent("choose_size"))
	assert.False(t, def.SupportsIntent("greeting"))
}

func TestComputeCurrentStep_IntentEligibility(t *testing.T) {
	t.Parallel()

	story := NewStory(orderDefinition(), "order_pizza")

	story.ComputeCurrentStep(NewSentence("u", "b", "large please"), "choose_size")
	assert.Equal(t, "size", story.Step)

	story.ComputeCurrentStep(NewSentence("u", "b", "mushrooms"), "choose_topping")
	assert.Equal(t, "topping", story.Step)

	// No eligible step falls back to root-level handling.
	story.ComputeCurrentStep(NewSentence("u", "b", "anything"), "order_pizza")
	assert.Empty(t, story.Step)
}

func TestComputeCurrentStep_ChoiceEncodedStep(t *testing.T) {
	t.Parallel()

	story := NewStory(orderDefinition(), "order_pizza")

	choice := NewChoice("u", "b", "choose_size", map[string]string{ParamStep: "topping"})
	story.ComputeCurrentStep(choice, "choose_size")
	assert.Equal(t, "topping", story.Step, "encoded step wins over intent eligibility")

	unknownStep := NewChoice("u", "b", "choose_size", map[string]string{ParamStep: "nope"})
	story.ComputeCurrentStep(unknownStep, "choose_size")
	assert.Empty(t, story.Step)
}

func TestComputeCurrentStep_EligiblePredicate(t *testing.T) {
	t.Parallel()

	def := &StoryDefinition{
		ID:             "search",
		StarterIntents: []string{"search"},
		Steps: []StepDefinition{
			{Name: "refine", Eligible: func(intent string) bool { return intent == "filter" }},
		},
	}
	story := NewStory(def, "search")

	story.ComputeCurrentStep(NewSentence("u", "b", "only red ones"), "filter")
	assert.Equal(t, "refine", story.Step)
}

func TestComputeCurrentStep_NoStepsIsNoop(t *testing.T) {
	t.Parallel()

	def := &StoryDefinition{ID: "welcome", StarterIntents: []string{"greeting"}}
	story := NewStory(def, "greeting")
	story.ComputeCurrentStep(NewSentence("u", "b", "hi"), "greeting")
	assert.Empty(t, story.Step)
}

func TestStory_SetStepValidatesMembership(t *testing.T) {
	t.Parallel()

	story := NewStory(orderDefinition(), "order_pizza")
	story.SetStep("size")
	assert.Equal(t, "size", story.Step)

	story.SetStep("bogus")
	assert.Equal(t, "size", story.Step, "unknown step names are ignored")

	story.SetStep("")
	assert.Empty(t, story.Step)

	_, ok := story.CurrentStep()
	assert.False(t, ok)
}

func TestStory_AppendAction(t *testing.T) {
	t.Parallel()

	story := NewStory(orderDefinition(), "order_pizza")
	a1 := NewSentence("u", "b", "one")
	a2 := NewSentence("u", "b", "two")
	story.AppendAction(a1)
	story.AppendAction(a2)

	require.Len(t, story.Actions, 2)
	assert.Same(t, a1, story.Actions[0])
	assert.Same(t, a2, story.Actions[1])
}

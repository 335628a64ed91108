package engine

import (
	"fmt"

	"go.uber.org/zap"
)

// BotDefinitionIndex is the static registry mapping intents to story
// definitions for one deployment. It is built once at startup and
// read-only thereafter, so it is safe for unsynchronized concurrent reads
// across conversations.
type BotDefinitionIndex struct {
	stories  []*StoryDefinition
	byID     map[string]*StoryDefinition
	byIntent map[string]*StoryDefinition
	intents  map[string]struct{}

	unknown    *StoryDefinition
	attachment *StoryDefinition
	location   *StoryDefinition

	enabling  map[string]struct{}
	disabling map[string]struct{}
}

// IndexOption configures index construction.
type IndexOption func(*BotDefinitionIndex)

// WithAttachmentStory declares the story handling attachment actions.
func WithAttachmentStory(storyID string) IndexOption {
	return func(ix *BotDefinitionIndex) { ix.attachment = ix.byID[storyID] }
}

// WithLocationStory declares the story handling location actions.
func WithLocationStory(storyID string) IndexOption {
	return func(ix *BotDefinitionIndex) { ix.location = ix.byID[storyID] }
}

// WithEnablingIntents declares the intents that reactivate a disabled bot.
func WithEnablingIntents(intents ...string) IndexOption {
	return func(ix *BotDefinitionIndex) {
		for _, i := range intents {
			ix.enabling[i] = struct{}{}
		}
	}
}

// WithDisablingIntents declares the intents that disable the bot.
func WithDisablingIntents(intents ...string) IndexOption {
	return func(ix *BotDefinitionIndex) {
		for _, i := range intents {
			ix.disabling[i] = struct{}{}
		}
	}
}

// NewBotDefinitionIndex builds the index over the given story definitions.
// Exactly one definition must support the unknown intent; it becomes the
// fallback story for unresolved intents. When two definitions declare the
// same intent, the first one in registration order wins.
func NewBotDefinitionIndex(stories []*StoryDefinition, logger *zap.Logger, opts ...IndexOption) (*BotDefinitionIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &BotDefinitionIndex{
		stories:   stories,
		byID:      make(map[string]*StoryDefinition, len(stories)),
		byIntent:  make(map[string]*StoryDefinition),
		intents:   make(map[string]struct{}),
		enabling:  make(map[string]struct{}),
		disabling: make(map[string]struct{}),
	}

	for _, def := range stories {
		if def.ID == "" {
			return nil, fmt.Errorf("story definition without id")
		}
		if _, dup := ix.byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate story definition %q", def.ID)
		}
		ix.byID[def.ID] = def

		for _, intent := range def.AllIntents() {
			ix.intents[intent] = struct{}{}
		}

		// Only starter intents bind a story. A secondary intent reaching
		// story lookup falls back to the unknown story, which is what the
		// choice-recovery path in the engine relies on.
		for _, intent := range def.StarterIntents {
			if prev, ok := ix.byIntent[intent]; ok {
				logger.Warn("starter intent already bound to a story",
					zap.String("intent", intent),
					zap.String("story", prev.ID),
					zap.String("ignored", def.ID),
				)
				continue
			}
			ix.byIntent[intent] = def
		}

		if def.SupportsIntent(IntentUnknown) {
			ix.unknown = def
		}
	}

	if ix.unknown == nil {
		return nil, fmt.Errorf("no story definition supports the %q intent", IntentUnknown)
	}

	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Stories returns the indexed story definitions.
func (ix *BotDefinitionIndex) Stories() []*StoryDefinition {
	return ix.stories
}

// FindByID returns the story definition with the given id.
func (ix *BotDefinitionIndex) FindByID(id string) (*StoryDefinition, bool) {
	def, ok := ix.byID[id]
	return def, ok
}

// FindIntent returns the intent name if it is declared by any story, and
// IntentUnknown otherwise.
func (ix *BotDefinitionIndex) FindIntent(name string) string {
	if _, ok := ix.intents[name]; ok {
		return name
	}
	return IntentUnknown
}

// FindStoryDefinition returns the story whose starter intents contain the
// intent, matching the story id as a fallback, and falling back to the
// unknown story when the intent is empty or unbound. It never returns nil,
// which guarantees routing always terminates in some story.
func (ix *BotDefinitionIndex) FindStoryDefinition(intentName string) *StoryDefinition {
	if intentName != "" {
		if def, ok := ix.byIntent[intentName]; ok {
			return def
		}
		if def, ok := ix.byID[intentName]; ok {
			return def
		}
	}
	return ix.unknown
}

// UnknownStory returns the fallback story definition.
func (ix *BotDefinitionIndex) UnknownStory() *StoryDefinition {
	return ix.unknown
}

// AttachmentStory returns the dedicated attachment story, if declared.
func (ix *BotDefinitionIndex) AttachmentStory() (*StoryDefinition, bool) {
	return ix.attachment, ix.attachment != nil
}

// LocationStory returns the dedicated location story, if declared.
func (ix *BotDefinitionIndex) LocationStory() (*StoryDefinition, bool) {
	return ix.location, ix.location != nil
}

// IsEnablingIntent reports whether the intent reactivates a disabled bot.
func (ix *BotDefinitionIndex) IsEnablingIntent(name string) bool {
	_, ok := ix.enabling[name]
	return ok
}

// IsDisablingIntent reports whether the intent disables the bot.
func (ix *BotDefinitionIndex) IsDisablingIntent(name string) bool {
	_, ok := ix.disabling[name]
	return ok
}

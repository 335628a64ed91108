// Package botflow provides a top-level convenience entry point for
// embedding the conversation engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/botflow"
//
//	bot, err := botflow.New(definitions, parser)
//	result, err := bot.Handle(ctx, action, connector)
//
// New wires an in-memory timeline store around the engine; services that
// need persistent timelines, remote story handling or the dispatcher
// compose the engine, store and dispatch packages directly, the way
// cmd/botflow does.
package botflow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/store"
)

// Bot bundles the engine with a timeline store so each call to Handle is
// one complete persisted turn.
type Bot struct {
	index     *engine.BotDefinitionIndex
	engine    *engine.ConversationEngine
	timelines store.UserTimelineStore
}

// Option configures the bot created by [New].
type Option func(*options)

type options struct {
	logger        *zap.Logger
	timelines     store.UserTimelineStore
	indexOptions  []engine.IndexOption
	engineOptions []engine.EngineOption
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTimelineStore replaces the default in-memory timeline store.
func WithTimelineStore(s store.UserTimelineStore) Option {
	return func(o *options) { o.timelines = s }
}

// WithIndexOptions forwards options to the story definition index, such
// as [engine.WithEnablingIntents].
func WithIndexOptions(opts ...engine.IndexOption) Option {
	return func(o *options) { o.indexOptions = append(o.indexOptions, opts...) }
}

// WithEngineOptions forwards options to the conversation engine, such as
// [engine.WithSendChoiceActivate].
func WithEngineOptions(opts ...engine.EngineOption) Option {
	return func(o *options) { o.engineOptions = append(o.engineOptions, opts...) }
}

// New creates a bot routing over the given story definitions. Exactly
// one definition must support the unknown intent.
func New(definitions []*engine.StoryDefinition, parser engine.IntentParser, opts ...Option) (*Bot, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.timelines == nil {
		o.timelines = store.NewMemoryTimelineStore()
	}

	index, err := engine.NewBotDefinitionIndex(definitions, o.logger, o.indexOptions...)
	if err != nil {
		return nil, err
	}

	return &Bot{
		index:     index,
		engine:    engine.NewConversationEngine(index, parser, o.logger, o.engineOptions...),
		timelines: o.timelines,
	}, nil
}

// Handle routes one inbound action: it loads the player's timeline,
// routes the action through the engine and persists the result.
func (b *Bot) Handle(ctx context.Context, action *engine.Action, connector engine.ConnectorCapability) (*engine.RoutingResult, error) {
	timeline, err := b.timelines.Load(ctx, action.PlayerID, b.index)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		timeline = engine.NewUserTimeline(action.PlayerID)
	}

	result, routeErr := b.engine.Route(ctx, action, timeline, connector)
	if saveErr := b.timelines.Save(ctx, timeline); saveErr != nil && routeErr == nil {
		return result, saveErr
	}
	return result, routeErr
}

// Support returns the selected story's support probability for the
// action without any routing side effects.
func (b *Bot) Support(ctx context.Context, action *engine.Action, connector engine.ConnectorCapability) float64 {
	timeline, err := b.timelines.Load(ctx, action.PlayerID, b.index)
	if err != nil {
		timeline = engine.NewUserTimeline(action.PlayerID)
	}
	return b.engine.Support(ctx, action, timeline, connector)
}

// Index exposes the bot's story definition index.
func (b *Bot) Index() *engine.BotDefinitionIndex {
	return b.index
}

// Engine exposes the underlying conversation engine.
func (b *Bot) Engine() *engine.ConversationEngine {
	return b.engine
}

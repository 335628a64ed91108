package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/store"
)

// Processor wires the turn pipeline: load the player's timeline, route
// the action through the engine, persist the updated timeline. Its
// Process method is the dispatcher's TurnFunc.
type Processor struct {
	engine    *engine.ConversationEngine
	timelines store.UserTimelineStore
	resolver  store.DefinitionResolver
	connector engine.ConnectorCapability
	logger    *zap.Logger
}

// NewProcessor creates a processor over the given collaborators.
func NewProcessor(
	eng *engine.ConversationEngine,
	timelines store.UserTimelineStore,
	resolver store.DefinitionResolver,
	connector engine.ConnectorCapability,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engine:    eng,
		timelines: timelines,
		resolver:  resolver,
		connector: connector,
		logger:    logger.With(zap.String("component", "processor")),
	}
}

// Process handles one inbound action end to end.
func (p *Processor) Process(ctx context.Context, playerID string, action *engine.Action) error {
	timeline, err := p.timelines.Load(ctx, playerID, p.resolver)
	if errors.Is(err, store.ErrNotFound) {
		timeline = engine.NewUserTimeline(playerID)
	} else if err != nil {
		return err
	}

	result, err := p.engine.Route(ctx, action, timeline, p.connector)
	if err != nil {
		// The timeline is still saved: routing state mutations that
		// happened before the failure (profile flags, story log) are
		// part of the conversation's history.
		if saveErr := p.timelines.Save(ctx, timeline); saveErr != nil {
			p.logger.Error("failed to save timeline after routing failure",
				zap.String("player_id", playerID), zap.Error(saveErr))
		}
		return err
	}

	p.logger.Debug("turn routed",
		zap.String("player_id", playerID),
		zap.String("story", result.Story.Definition.ID),
		zap.String("step", result.Step),
		zap.Bool("handled", result.Handled),
	)
	return p.timelines.Save(ctx, timeline)
}

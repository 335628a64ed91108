package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/types"
)

// RoutingResult reports where a routed action ended up.
type RoutingResult struct {
	Story *Story

	// Step is the story's current step after routing, "" for root-level.
	Step string

	// Handled reports whether the story handler ran. It is false when the
	// bot is disabled for the user.
	Handled bool
}

// ConversationEngine routes inbound actions into stories. It holds no
// per-conversation state; the index is read-only, so one engine serves all
// conversations concurrently.
type ConversationEngine struct {
	index  *BotDefinitionIndex
	parser IntentParser
	logger *zap.Logger
	tracer trace.Tracer

	collector *metrics.Collector

	// sendChoiceActivate controls whether a non-disabling choice action
	// reactivates a disabled bot.
	sendChoiceActivate bool

	enabledListener func(*Action)
}

// EngineOption configures a ConversationEngine.
type EngineOption func(*ConversationEngine)

// WithSendChoiceActivate toggles choice-driven bot reactivation.
func WithSendChoiceActivate(enabled bool) EngineOption {
	return func(e *ConversationEngine) { e.sendChoiceActivate = enabled }
}

// WithBotEnabledListener registers a callback invoked whenever an action
// reactivates the bot.
func WithBotEnabledListener(fn func(*Action)) EngineOption {
	return func(e *ConversationEngine) { e.enabledListener = fn }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *ConversationEngine) { e.collector = c }
}

// NewConversationEngine creates an engine over the given definition index
// and external intent parser.
func NewConversationEngine(index *BotDefinitionIndex, parser IntentParser, logger *zap.Logger, opts ...EngineOption) *ConversationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &ConversationEngine{
		index:              index,
		parser:             parser,
		logger:             logger.With(zap.String("component", "conversation_engine")),
		tracer:             otel.Tracer("botflow/engine"),
		sendChoiceActivate: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route decides which story handles the action and in what step, applying
// the bot-wide enable/disable policy, then executes the story handler.
//
// The sequence is fixed: stamp the target connector, load the profile if
// not yet attempted, obtain or lazily create the dialog, resolve the
// intent by action kind, select or continue the story, compute the step
// and append the action, apply the global enabling check, and finally run
// the handler unless the bot is disabled for this user.
func (e *ConversationEngine) Route(ctx context.Context, action *Action, timeline *UserTimeline, connector ConnectorCapability) (*RoutingResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Route",
		trace.WithAttributes(
			attribute.String("action.kind", action.Kind.String()),
			attribute.String("player.id", action.PlayerID),
		),
	)
	defer span.End()
	start := time.Now()

	if action.State.TargetConnector == "" {
		action.State.TargetConnector = connector.ConnectorType()
	}

	e.loadProfileIfNotSet(ctx, action, timeline, connector)

	dialog := e.dialog(action, timeline)

	e.parseAction(ctx, action, timeline, dialog, connector)

	story := e.selectStory(action, dialog)
	span.SetAttributes(
		attribute.String("story.id", story.Definition.ID),
		attribute.String("intent", dialog.State.CurrentIntent),
	)

	// Any channel can reactivate a disabled bot, not just explicit
	// choices handled during intent resolution.
	if e.index.IsEnablingIntent(dialog.State.CurrentIntent) {
		e.logger.Debug("enabling intent received", zap.String("intent", dialog.State.CurrentIntent))
		timeline.UserState.BotDisabled = false
		e.notifyEnabled(action)
	}

	result := &RoutingResult{Story: story, Step: story.Step}

	if timeline.UserState.BotDisabled {
		e.logger.Debug("bot is disabled, skipping handler",
			zap.String("player_id", timeline.PlayerID),
			zap.String("intent", dialog.State.CurrentIntent),
		)
		e.recordTurn(action, story, false, start)
		return result, nil
	}

	if err := connector.StartTyping(ctx, action); err != nil {
		e.logger.Debug("start typing failed", zap.Error(err))
	}

	tc := NewTurnContext(ctx, action, timeline, dialog, story, e.index, connector, e.logger)
	if story.Definition.Handler != nil {
		if err := story.Definition.Handler.Handle(tc); err != nil {
			werr := types.NewError(types.ErrHandlerFailed, "story "+story.Definition.ID+" handler failed").WithCause(err)
			e.recordTurn(action, story, false, start)
			span.RecordError(werr)
			return result, werr
		}
	}

	result.Handled = true
	e.recordTurn(action, story, true, start)
	return result, nil
}

// Support runs intent resolution and story selection without any
// enable/disable side effect or handler execution, and returns the
// selected story's support probability. Connectors use it to arbitrate
// between bots listening on the same channel.
func (e *ConversationEngine) Support(ctx context.Context, action *Action, timeline *UserTimeline, connector ConnectorCapability) float64 {
	if action.State.TargetConnector == "" {
		action.State.TargetConnector = connector.ConnectorType()
	}
	e.loadProfileIfNotSet(ctx, action, timeline, connector)
	dialog := e.dialog(action, timeline)
	e.parseAction(ctx, action, timeline, dialog, connector)
	story := e.selectStory(action, dialog)

	if story.Definition.Handler == nil {
		return 0
	}
	tc := NewTurnContext(ctx, action, timeline, dialog, story, e.index, connector, e.logger)
	return story.Definition.Handler.Support(tc)
}

// dialog returns the timeline's current dialog, creating one lazily with
// the participant set {user, recipient} on first action.
func (e *ConversationEngine) dialog(action *Action, timeline *UserTimeline) *Dialog {
	if d := timeline.CurrentDialog(); d != nil {
		return d
	}
	d := NewDialog(timeline.PlayerID, action.RecipientID)
	timeline.AddDialog(d)
	e.logger.Debug("dialog created",
		zap.String("dialog_id", d.ID),
		zap.String("player_id", timeline.PlayerID),
	)
	return d
}

// parseAction resolves the intent for the action, branching on its kind.
// The dialog's next-action state is consumed by this turn and reset on
// exit regardless of the branch taken.
func (e *ConversationEngine) parseAction(ctx context.Context, action *Action, timeline *UserTimeline, dialog *Dialog, connector ConnectorCapability) {
	defer func() { dialog.State.NextActionState = nil }()

	switch action.Kind {
	case KindChoice:
		e.parseChoice(action, timeline, dialog)
	case KindLocation:
		if def, ok := e.index.LocationStory(); ok {
			dialog.State.CurrentIntent = def.MainIntent()
		}
	case KindAttachment:
		if def, ok := e.index.AttachmentStory(); ok {
			dialog.State.CurrentIntent = def.MainIntent()
		}
	case KindSentence:
		if strings.TrimSpace(action.Text) == "" {
			return
		}
		if err := e.parser.Parse(ctx, action, timeline, dialog, connector, e.index); err != nil {
			// Degrades to "no information learned this turn"; the
			// resolved intent stays unknown and routing continues.
			e.logger.Warn("intent parsing failed", zap.Error(err))
			e.recordParseFailure()
			return
		}
		if action.State.IntentName != "" {
			dialog.State.CurrentIntent = action.State.IntentName
		}
		for _, v := range action.Entities {
			dialog.Entities.Set(v)
		}
	default:
		e.logger.Warn("unsupported action kind",
			zap.Error(types.NewError(types.ErrUnsupportedActionKind, "kind "+action.Kind.String())))
	}
}

// parseChoice resolves a choice action. When the encoded previous intent
// belongs to a primary story supporting the new intent, and the new intent
// itself only maps to the unknown story, an intermediate story bound to
// the previous story's definition is synthesized so the conversation can
// resume where the old choice came from. This recovery runs before generic
// story selection and only when all its preconditions hold.
func (e *ConversationEngine) parseChoice(choice *Action, timeline *UserTimeline, dialog *Dialog) {
	intent := e.index.FindIntent(choice.IntentName)

	if intent != IntentUnknown {
		if prev := choice.PreviousIntent(); prev != "" {
			previousStory := e.index.FindStoryDefinition(prev)
			if previousStory != e.index.UnknownStory() && previousStory.SupportsIntent(intent) {
				if e.index.FindStoryDefinition(intent) == e.index.UnknownStory() {
					current := dialog.CurrentStory()
					if current == nil ||
						!current.Definition.SupportsIntent(intent) ||
						!current.Definition.SupportsIntent(e.index.FindIntent(prev)) {
						dialog.AddStory(NewStory(previousStory, intent))
						e.logger.Debug("intermediate story created",
							zap.String("story", previousStory.ID),
							zap.String("intent", intent),
							zap.String("previous_intent", prev),
						)
					}
				}
			}
		}
	}

	dialog.State.CurrentIntent = intent

	// A choice always reactivates a disabled bot unless the intent is
	// itself disabling.
	if e.sendChoiceActivate && !e.index.IsDisablingIntent(intent) {
		timeline.UserState.BotDisabled = false
		e.notifyEnabled(choice)
	}
}

// selectStory continues the current story when it supports the resolved
// intent, and otherwise creates a new story bound to the definition the
// index yields for that intent (falling back to the unknown story). The
// step is then computed for this turn and the action appended and stamped.
func (e *ConversationEngine) selectStory(action *Action, dialog *Dialog) *Story {
	newIntent := dialog.State.CurrentIntent
	previous := dialog.CurrentStory()

	var story *Story
	if previous == nil || (newIntent != "" && !previous.Definition.SupportsIntent(newIntent)) {
		def := e.index.FindStoryDefinition(newIntent)
		intent := def.MainIntent()
		if newIntent != "" && def.IsStarterIntent(newIntent) {
			intent = newIntent
		}
		story = NewStory(def, intent)
		dialog.AddStory(story)
		if e.collector != nil {
			e.collector.RecordStoryCreated(def.ID)
		}
		e.logger.Debug("story created",
			zap.String("story", def.ID),
			zap.String("intent", intent),
		)
	} else {
		story = previous
	}

	story.ComputeCurrentStep(action, newIntent)
	story.AppendAction(action)

	action.State.IntentName = newIntent
	action.State.Step = story.Step
	return story
}

// loadProfileIfNotSet attempts the connector profile load on first contact
// and a single refresh on a later turn. Each attempt happens at most once
// per flag state and never both in the same turn; failures degrade to no
// profile information this turn.
func (e *ConversationEngine) loadProfileIfNotSet(ctx context.Context, action *Action, timeline *UserTimeline, connector ConnectorCapability) {
	state := &timeline.UserState
	switch {
	case !state.ProfileLoaded:
		profile, err := connector.LoadProfile(ctx, timeline.PlayerID)
		if err != nil {
			e.logger.Warn("profile load failed", zap.Error(err))
			break
		}
		if profile != nil {
			state.ProfileLoaded = true
			state.ProfileRefreshed = true
			timeline.Preferences.FillWith(*profile)
		}
	case !state.ProfileRefreshed:
		state.ProfileRefreshed = true
		profile, err := connector.RefreshProfile(ctx, timeline.PlayerID)
		if err != nil {
			e.logger.Warn("profile refresh failed", zap.Error(err))
			break
		}
		if profile != nil {
			timeline.Preferences.RefreshWith(*profile)
		}
	}
	action.State.TestEvent = timeline.Preferences.Test
}

func (e *ConversationEngine) notifyEnabled(action *Action) {
	if e.enabledListener != nil {
		e.enabledListener(action)
	}
}

func (e *ConversationEngine) recordTurn(action *Action, story *Story, handled bool, start time.Time) {
	if e.collector == nil {
		return
	}
	e.collector.RecordTurn(action.Kind.String(), story.Definition.ID, handled, time.Since(start))
}

func (e *ConversationEngine) recordParseFailure() {
	if e.collector != nil {
		e.collector.RecordParseFailure()
	}
}

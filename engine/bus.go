package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

// TurnContext binds one turn's action, dialog, timeline and story together
// with the connector and the definition index. It replaces any ambient or
// thread-local lookup: every handler and callback receives it explicitly.
type TurnContext struct {
	Action    *Action
	Timeline  *UserTimeline
	Dialog    *Dialog
	Story     *Story
	Index     *BotDefinitionIndex
	Connector ConnectorCapability

	ctx         context.Context
	logger      *zap.Logger
	answerIndex int
}

// NewTurnContext creates the context for one turn.
func NewTurnContext(ctx context.Context, action *Action, timeline *UserTimeline, dialog *Dialog, story *Story, index *BotDefinitionIndex, connector ConnectorCapability, logger *zap.Logger) *TurnContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurnContext{
		Action:    action,
		Timeline:  timeline,
		Dialog:    dialog,
		Story:     story,
		Index:     index,
		Connector: connector,
		ctx:       ctx,
		logger:    logger,
	}
}

// Context returns the turn's context.
func (tc *TurnContext) Context() context.Context {
	return tc.ctx
}

// Logger returns the turn-scoped logger.
func (tc *TurnContext) Logger() *zap.Logger {
	return tc.logger
}

// Entities returns the dialog's entity memory.
func (tc *TurnContext) Entities() *EntityMemory {
	return tc.Dialog.Entities
}

// AnswerIndex returns the number of messages dispatched this turn.
func (tc *TurnContext) AnswerIndex() int {
	return tc.answerIndex
}

// SendText dispatches an intermediate text answer on the connector.
func (tc *TurnContext) SendText(text string) error {
	return tc.Send(RemoteMessage{Type: MessageSentence, Text: text})
}

// EndText dispatches the turn-terminating text answer on the connector.
func (tc *TurnContext) EndText(text string) error {
	return tc.End(RemoteMessage{Type: MessageSentence, Text: text})
}

// Send dispatches an intermediate message on the connector.
func (tc *TurnContext) Send(m RemoteMessage) error {
	return tc.dispatch(m, false)
}

// End dispatches the turn-terminating message on the connector.
func (tc *TurnContext) End(m RemoteMessage) error {
	return tc.dispatch(m, true)
}

func (tc *TurnContext) dispatch(m RemoteMessage, end bool) error {
	action, err := tc.outboundAction(m)
	if err != nil {
		return err
	}
	tc.answerIndex++
	if err := tc.Connector.Send(tc.ctx, action); err != nil {
		return err
	}
	if end {
		tc.logger.Debug("turn answered",
			zap.String("dialog_id", tc.Dialog.ID),
			zap.Int("messages", tc.answerIndex),
		)
	}
	return nil
}

// outboundAction converts a remote message into an outbound action from
// the bot to the user. Message types outside the supported set are fatal
// to the turn.
func (tc *TurnContext) outboundAction(m RemoteMessage) (*Action, error) {
	switch m.Type {
	case MessageSentence:
		a := NewSentence(tc.Action.RecipientID, tc.Action.PlayerID, m.Text)
		a.State.TargetConnector = tc.Action.State.TargetConnector
		return a, nil
	case MessageCustom:
		if len(m.Payload) == 0 {
			return nil, types.NewError(types.ErrUnsupportedMessageType, "custom message without payload")
		}
		a := NewSentence(tc.Action.RecipientID, tc.Action.PlayerID, "")
		a.Payload = m.Payload
		a.State.TargetConnector = tc.Action.State.TargetConnector
		return a, nil
	default:
		return nil, types.NewError(types.ErrUnsupportedMessageType, "unsupported message type "+string(m.Type))
	}
}

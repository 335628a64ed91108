package engine

import (
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

// ResponseReconciler applies a remote bot process's response back onto the
// live dialog in one deterministic sequence: message dispatch in request
// order, two-pass entity reconciliation, then story and step switches.
// Mutations only begin once the corresponding resolution step has
// succeeded, so a failed turn never corrupts previously committed state.
type ResponseReconciler struct {
	logger *zap.Logger
}

// NewResponseReconciler creates a reconciler.
func NewResponseReconciler(logger *zap.Logger) *ResponseReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseReconciler{
		logger: logger.With(zap.String("component", "response_reconciler")),
	}
}

// Apply applies the response for the given request to the turn. A response
// carrying zero messages fails with EMPTY_REMOTE_RESPONSE before any
// mutation. Given N messages, the first N-1 are dispatched as intermediate
// sends and the last as the turn-terminating send, strictly in request
// order.
func (r *ResponseReconciler) Apply(tc *TurnContext, req *RemoteRequest, resp *RemoteResponse) error {
	if resp == nil {
		return types.NewError(types.ErrNoRemoteResponse, "no response for request "+req.RequestID)
	}
	if len(resp.Messages) == 0 {
		return types.NewError(types.ErrEmptyRemoteResponse, "empty response for request "+req.RequestID)
	}

	// Convert every message before dispatching anything: an unsupported
	// message type aborts the turn with nothing sent.
	actions := make([]*Action, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		a, err := tc.outboundAction(m)
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}

	for i, a := range actions {
		tc.answerIndex++
		if err := tc.Connector.Send(tc.ctx, a); err != nil {
			return err
		}
		if i == len(actions)-1 {
			r.logger.Debug("turn answered",
				zap.String("request_id", req.RequestID),
				zap.Int("messages", len(actions)),
			)
		}
	}

	r.reconcileEntities(tc, resp)

	if resp.StoryID != "" && resp.StoryID != req.StoryID {
		if def, ok := tc.Index.FindByID(resp.StoryID); ok {
			story := NewStory(def, def.MainIntent())
			tc.Dialog.AddStory(story)
			tc.Story = story
			r.logger.Debug("story switched",
				zap.String("from", req.StoryID),
				zap.String("to", resp.StoryID),
			)
		} else {
			r.logger.Warn("response names unknown story", zap.String("story_id", resp.StoryID))
		}
	}

	if resp.Step != "" {
		tc.Story.SetStep(resp.Step)
	}
	return nil
}

func (r *ResponseReconciler) reconcileEntities(tc *TurnContext, resp *RemoteResponse) {
	target := make([]EntityValue, 0, len(resp.Entities))
	for _, re := range resp.Entities {
		target = append(target, EntityValue{
			Type:    re.Type,
			Role:    re.Role,
			Content: re.Content,
			Value:   re.Value,
		})
	}
	tc.Dialog.Entities.DiffAndMerge(target)
}

package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

func newReconcilerTurn(t *testing.T) (*TurnContext, *fakeConnector) {
	t.Helper()
	ix := testIndex(t)
	timeline := NewUserTimeline("user-1")
	dialog := NewDialog("user-1", "bot-1")
	timeline.AddDialog(dialog)

	def, _ := ix.FindByID("order")
	story := NewStory(def, "order_pizza")
	dialog.AddStory(story)

	action := NewSentence("user-1", "bot-1", "a pizza")
	connector := &fakeConnector{}
	tc := NewTurnContext(context.Background(), action, timeline, dialog, story, ix, connector, zap.NewNop())
	return tc, connector
}

// Scenario C: two messages dispatched in order, the entity role updated.
func TestReconciler_AppliesMessagesAndEntities(t *testing.T) {
	t.Parallel()

	tc, connector := newReconcilerTurn(t)
	tc.Dialog.Entities.Set(EntityValue{Type: "size", Role: "size", Content: "medium"})

	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	resp := &RemoteResponse{
		RequestID: req.RequestID,
		Messages: []RemoteMessage{
			{Type: MessageSentence, Text: "A"},
			{Type: MessageSentence, Text: "B"},
		},
		Entities: []RemoteEntity{{Type: "size", Role: "size", Content: "large"}},
		StoryID:  req.StoryID,
	}

	require.NoError(t, r.Apply(tc, req, resp))

	require.Len(t, connector.sent, 2)
	assert.Equal(t, "A", connector.sent[0].Text)
	assert.Equal(t, "B", connector.sent[1].Text)
	assert.Equal(t, 2, tc.AnswerIndex())

	v, ok := tc.Dialog.Entities.Get("size")
	require.True(t, ok)
	assert.Equal(t, "large", v.Content)
}

// Scenario D: zero messages fail the turn before any mutation.
func TestReconciler_EmptyResponse(t *testing.T) {
	t.Parallel()

	tc, connector := newReconcilerTurn(t)
	tc.Dialog.Entities.Set(EntityValue{Type: "size", Role: "size", Content: "medium"})

	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	err := r.Apply(tc, req, &RemoteResponse{RequestID: req.RequestID})

	require.Error(t, err)
	assert.Equal(t, types.ErrEmptyRemoteResponse, types.GetErrorCode(err))
	assert.Empty(t, connector.sent)

	v, _ := tc.Dialog.Entities.Get("size")
	assert.Equal(t, "medium", v.Content, "memory must stay unchanged")
}

func TestReconciler_NilResponse(t *testing.T) {
	t.Parallel()

	tc, _ := newReconcilerTurn(t)
	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)

	err := r.Apply(tc, req, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
}

// An unsupported message type aborts the turn with nothing dispatched,
// even when it is not the first message.
func TestReconciler_UnsupportedMessageType(t *testing.T) {
	t.Parallel()

	tc, connector := newReconcilerTurn(t)
	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	resp := &RemoteResponse{
		RequestID: req.RequestID,
		Messages: []RemoteMessage{
			{Type: MessageSentence, Text: "A"},
			{Type: MessageType("carousel")},
		},
	}

	err := r.Apply(tc, req, resp)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedMessageType, types.GetErrorCode(err))
	assert.Empty(t, connector.sent)
}

func TestReconciler_CustomMessagePayload(t *testing.T) {
	t.Parallel()

	tc, connector := newReconcilerTurn(t)
	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	payload := json.RawMessage(`{"template":"receipt"}`)
	resp := &RemoteResponse{
		RequestID: req.RequestID,
		Messages: []RemoteMessage{
			{Type: MessageCustom, Payload: payload},
		},
	}

	require.NoError(t, r.Apply(tc, req, resp))
	require.Len(t, connector.sent, 1)
	assert.JSONEq(t, string(payload), string(connector.sent[0].Payload))
}

func TestReconciler_StorySwitch(t *testing.T) {
	t.Parallel()

	tc, _ := newReconcilerTurn(t)
	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	resp := &RemoteResponse{
		RequestID: req.RequestID,
		Messages:  []RemoteMessage{{Type: MessageSentence, Text: "switching"}},
		StoryID:   "welcome",
	}

	require.NoError(t, r.Apply(tc, req, resp))

	current := tc.Dialog.CurrentStory()
	assert.Equal(t, "welcome", current.Definition.ID)
	assert.Same(t, current, tc.Story)
	// The superseded story stays in the history.
	require.Len(t, tc.Dialog.Stories, 2)
	assert.Equal(t, "order", tc.Dialog.Stories[0].Definition.ID)
}

func TestReconciler_UnknownStorySwitchIsNoop(t *testing.T) {
	t.Parallel()

	tc, _ := newReconcilerTurn(t)
	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	resp := &RemoteResponse{
		RequestID: req.RequestID,
		Messages:  []RemoteMessage{{Type: MessageSentence, Text: "hi"}},
		StoryID:   "no_such_story",
	}

	require.NoError(t, r.Apply(tc, req, resp))
	require.Len(t, tc.Dialog.Stories, 1)
	assert.Equal(t, "order", tc.Dialog.CurrentStory().Definition.ID)
}

func TestReconciler_StepSwitch(t *testing.T) {
	t.Parallel()

	tc, _ := newReconcilerTurn(t)
	r := NewResponseReconciler(zap.NewNop())
	req := NewRemoteRequest(tc)
	resp := &RemoteResponse{
		RequestID: req.RequestID,
		Messages:  []RemoteMessage{{Type: MessageSentence, Text: "hi"}},
		Step:      "topping",
	}

	require.NoError(t, r.Apply(tc, req, resp))
	assert.Equal(t, "topping", tc.Story.Step)

	// Unknown step names are a no-op.
	resp.Step = "bogus"
	require.NoError(t, r.Apply(tc, req, resp))
	assert.Equal(t, "topping", tc.Story.Step)
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

type stubTransport struct {
	resp *RemoteResponse
	err  error
	last *RemoteRequest
}

func (t *stubTransport) Exchange(ctx context.Context, req *RemoteRequest) (*RemoteResponse, error) {
	t.last = req
	if t.err != nil {
		return nil, t.err
	}
	if t.resp != nil && t.resp.RequestID == "" {
		t.resp.RequestID = req.RequestID
	}
	return t.resp, t.err
}

func TestRemoteStoryHandler_AppliesResponse(t *testing.T) {
	t.Parallel()

	tc, connector := newReconcilerTurn(t)
	transport := &stubTransport{
		resp: &RemoteResponse{
			Messages: []RemoteMessage{
				{Type: MessageSentence, Text: "first"},
				{Type: MessageSentence, Text: "second"},
			},
		},
	}
	h := NewRemoteStoryHandler(transport, zap.NewNop())

	require.NoError(t, h.Handle(tc))
	require.Len(t, connector.sent, 2)
	require.NotNil(t, transport.last)
	assert.Equal(t, "order", transport.last.StoryID)
	assert.Equal(t, "user-1", transport.last.UserID)
	assert.NotEmpty(t, transport.last.RequestID)
}

func TestRemoteStoryHandler_TransportFailure(t *testing.T) {
	t.Parallel()

	tc, connector := newReconcilerTurn(t)
	transport := &stubTransport{err: errors.New("connection refused")}
	h := NewRemoteStoryHandler(transport, zap.NewNop())

	err := h.Handle(tc)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
	assert.Empty(t, connector.sent)
}

func TestRemoteStoryHandler_StructuredErrorPassedThrough(t *testing.T) {
	t.Parallel()

	tc, _ := newReconcilerTurn(t)
	transport := &stubTransport{err: types.NewError(types.ErrTransportClosed, "gateway shut down")}
	h := NewRemoteStoryHandler(transport, zap.NewNop())

	err := h.Handle(tc)
	assert.Equal(t, types.ErrTransportClosed, types.GetErrorCode(err))
}

func TestRemoteStoryHandler_Support(t *testing.T) {
	t.Parallel()

	h := NewRemoteStoryHandler(&stubTransport{}, zap.NewNop())
	assert.Equal(t, 1.0, h.Support(nil))
}

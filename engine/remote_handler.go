package engine

import (
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

// RemoteStoryHandler delegates story handling to a remote bot process: it
// builds a remote request from the turn, exchanges it over the transport,
// and reconciles the response back onto the dialog. Both the synchronous
// webhook path and the asynchronous correlated path satisfy the Transport
// contract, so the handler is oblivious to which one is in use.
type RemoteStoryHandler struct {
	transport  Transport
	reconciler *ResponseReconciler
	logger     *zap.Logger
}

// NewRemoteStoryHandler creates a handler over the given transport.
func NewRemoteStoryHandler(transport Transport, logger *zap.Logger) *RemoteStoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteStoryHandler{
		transport:  transport,
		reconciler: NewResponseReconciler(logger),
		logger:     logger.With(zap.String("component", "remote_story_handler")),
	}
}

// Handle exchanges the turn with the remote process and applies its
// response. Transport failures and timeouts surface as NO_REMOTE_RESPONSE;
// the turn fails but the conversation state stays intact for the next one.
func (h *RemoteStoryHandler) Handle(tc *TurnContext) error {
	req := NewRemoteRequest(tc)
	resp, err := h.transport.Exchange(tc.Context(), req)
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return err
		}
		return types.NewError(types.ErrNoRemoteResponse, "remote exchange failed").WithCause(err)
	}
	return h.reconciler.Apply(tc, req, resp)
}

// Support reports full support; arbitration happens remotely.
func (h *RemoteStoryHandler) Support(tc *TurnContext) float64 { return 1 }

var _ StoryHandler = (*RemoteStoryHandler)(nil)

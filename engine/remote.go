package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// MessageType discriminates outbound messages in a remote response.
type MessageType string

const (
	MessageSentence MessageType = "sentence"
	MessageCustom   MessageType = "custom"
)

// RemoteMessage is one outbound message declared by a remote response.
type RemoteMessage struct {
	Type        MessageType     `json:"type"`
	Text        string          `json:"text,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RemoteEntity is an entity value declared by a remote request or response.
type RemoteEntity struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Value   string `json:"value,omitempty"`
}

// RemoteRequest describes one turn handed to a remote bot process. The
// request id correlates the asynchronous response path.
type RemoteRequest struct {
	RequestID   string         `json:"request_id"`
	UserID      string         `json:"user_id"`
	RecipientID string         `json:"recipient_id"`
	Locale      string         `json:"locale,omitempty"`
	StoryID     string         `json:"story_id"`
	Step        string         `json:"step,omitempty"`
	IntentName  string         `json:"intent_name,omitempty"`
	Message     string         `json:"message,omitempty"`
	Entities    []RemoteEntity `json:"entities,omitempty"`
}

// RemoteResponse is the remote bot process's answer to a turn.
type RemoteResponse struct {
	RequestID string          `json:"request_id"`
	Messages  []RemoteMessage `json:"messages"`
	Entities  []RemoteEntity  `json:"entities,omitempty"`
	StoryID   string          `json:"story_id,omitempty"`
	Step      string          `json:"step,omitempty"`
}

// NewRemoteRequest builds the remote request for the current turn.
func NewRemoteRequest(tc *TurnContext) *RemoteRequest {
	entities := make([]RemoteEntity, 0, tc.Dialog.Entities.Len())
	for _, v := range tc.Dialog.Entities.Values() {
		entities = append(entities, RemoteEntity{
			Type:    v.Type,
			Role:    v.Role,
			Content: v.Content,
			Value:   v.Value,
		})
	}
	return &RemoteRequest{
		RequestID:   uuid.New().String(),
		UserID:      tc.Action.PlayerID,
		RecipientID: tc.Action.RecipientID,
		Locale:      tc.Timeline.Preferences.Locale,
		StoryID:     tc.Story.Definition.ID,
		Step:        tc.Story.Step,
		IntentName:  tc.Dialog.State.CurrentIntent,
		Message:     tc.Action.Text,
		Entities:    entities,
	}
}

// Transport exchanges a remote request for a response. Implementations are
// bounded by the caller-supplied context deadline; a missing response
// within the deadline surfaces as a NO_REMOTE_RESPONSE error, never as an
// indefinite block.
type Transport interface {
	Exchange(ctx context.Context, req *RemoteRequest) (*RemoteResponse, error)
}

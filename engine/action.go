package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionKind discriminates the variants of a conversational event.
// Route matches it exhaustively; kinds outside this set resolve no intent.
type ActionKind int

const (
	KindSentence ActionKind = iota
	KindChoice
	KindLocation
	KindAttachment
	KindOther
)

func (k ActionKind) String() string {
	switch k {
	case KindSentence:
		return "sentence"
	case KindChoice:
		return "choice"
	case KindLocation:
		return "location"
	case KindAttachment:
		return "attachment"
	default:
		return "other"
	}
}

// Choice parameter keys encoded by connectors into choice actions.
const (
	ParamPreviousIntent = "_previous_intent"
	ParamStep           = "_step"
)

// ActionState is the mutable per-turn state stamped onto an action as it
// moves through routing.
type ActionState struct {
	IntentName      string `json:"intent_name,omitempty"`
	Step            string `json:"step,omitempty"`
	TargetConnector string `json:"target_connector,omitempty"`
	TestEvent       bool   `json:"test_event,omitempty"`
}

// Attachment is the payload of an attachment action.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// UserLocation is the payload of a location action.
type UserLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Action is one conversational turn event, inbound or outbound. It is
// created per turn by the transport layer and appended to exactly one
// story's action log once processed.
type Action struct {
	ID          string      `json:"id"`
	Kind        ActionKind  `json:"kind"`
	PlayerID    string      `json:"player_id"`
	RecipientID string      `json:"recipient_id"`

	// Text carries the raw sentence for KindSentence.
	Text string `json:"text,omitempty"`

	// IntentName carries the looked-up intent name for KindChoice.
	IntentName string `json:"intent_name,omitempty"`

	// Params carries extra choice parameters (previous intent, step).
	Params map[string]string `json:"params,omitempty"`

	Attachment *Attachment   `json:"attachment,omitempty"`
	Location   *UserLocation `json:"location,omitempty"`

	// Payload carries a connector-specific message for outbound actions
	// produced from custom remote messages.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Entities holds the entity values extracted by the intent parser.
	Entities []EntityValue `json:"entities,omitempty"`

	State     ActionState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}

func newAction(kind ActionKind, playerID, recipientID string) *Action {
	return &Action{
		ID:          uuid.New().String(),
		Kind:        kind,
		PlayerID:    playerID,
		RecipientID: recipientID,
		CreatedAt:   time.Now(),
	}
}

// NewSentence creates an inbound sentence action.
func NewSentence(playerID, recipientID, text string) *Action {
	a := newAction(KindSentence, playerID, recipientID)
	a.Text = text
	return a
}

// NewChoice creates an inbound choice action for the given intent with
// optional encoded parameters.
func NewChoice(playerID, recipientID, intentName string, params map[string]string) *Action {
	a := newAction(KindChoice, playerID, recipientID)
	a.IntentName = intentName
	a.Params = params
	return a
}

// NewLocation creates an inbound location action.
func NewLocation(playerID, recipientID string, loc UserLocation) *Action {
	a := newAction(KindLocation, playerID, recipientID)
	a.Location = &loc
	return a
}

// NewAttachment creates an inbound attachment action.
func NewAttachment(playerID, recipientID string, att Attachment) *Action {
	a := newAction(KindAttachment, playerID, recipientID)
	a.Attachment = &att
	return a
}

// PreviousIntent returns the previous intent encoded in a choice action,
// or "" when absent.
func (a *Action) PreviousIntent() string {
	return a.Params[ParamPreviousIntent]
}

package engine

import "context"

// Profile is connector-provided user profile data.
type Profile struct {
	FirstName string
	LastName  string
	Locale    string
	Timezone  string
}

// ConnectorCapability abstracts the channel a conversation runs on. The
// engine never renders connector payloads itself; it hands abstract
// actions to the connector and asks it for profile data.
type ConnectorCapability interface {
	// ConnectorType identifies the connector, stamped onto actions whose
	// target-connector marker is unset.
	ConnectorType() string

	// LoadProfile fetches the user profile on first contact. A nil profile
	// with a nil error means no profile is available.
	LoadProfile(ctx context.Context, userID string) (*Profile, error)

	// RefreshProfile re-fetches profile fields that may have changed.
	RefreshProfile(ctx context.Context, userID string) (*Profile, error)

	// StartTyping shows a typing indicator in answer to the action.
	StartTyping(ctx context.Context, action *Action) error

	// Send renders and dispatches an outbound action on the channel.
	Send(ctx context.Context, action *Action) error
}

// IntentParser is the external NLP capability. Parse classifies the
// action's text, mutating the action in place: it sets
// action.State.IntentName to the resolved intent and appends extracted
// entity values to action.Entities. Parse failures degrade to an
// unresolved intent; the engine never retries synchronously within a turn.
type IntentParser interface {
	Parse(ctx context.Context, action *Action, timeline *UserTimeline, dialog *Dialog, connector ConnectorCapability, index *BotDefinitionIndex) error

	// MarkAsUnknown reports a sentence as unclassifiable, letting the
	// model learn from the miss.
	MarkAsUnknown(ctx context.Context, action *Action, timeline *UserTimeline, index *BotDefinitionIndex)
}

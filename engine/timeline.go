package engine

// UserState carries the per-user flags consulted during routing.
type UserState struct {
	// BotDisabled suppresses handler execution until an enabling intent
	// arrives.
	BotDisabled bool

	// ProfileLoaded and ProfileRefreshed gate the one-shot profile
	// load/refresh attempts; each is tried at most once per flag state,
	// never both in the same turn.
	ProfileLoaded    bool
	ProfileRefreshed bool
}

// UserPreferences holds connector-provided profile data for a user.
type UserPreferences struct {
	FirstName string
	LastName  string
	Locale    string
	Timezone  string
	Test      bool
}

// FillWith copies all profile fields into the preferences.
func (p *UserPreferences) FillWith(profile Profile) {
	p.FirstName = profile.FirstName
	p.LastName = profile.LastName
	if profile.Locale != "" {
		p.Locale = profile.Locale
	}
	if profile.Timezone != "" {
		p.Timezone = profile.Timezone
	}
}

// RefreshWith updates only the fields the refreshed profile provides.
func (p *UserPreferences) RefreshWith(profile Profile) {
	if profile.FirstName != "" {
		p.FirstName = profile.FirstName
	}
	if profile.LastName != "" {
		p.LastName = profile.LastName
	}
	if profile.Locale != "" {
		p.Locale = profile.Locale
	}
	if profile.Timezone != "" {
		p.Timezone = profile.Timezone
	}
}

// UserTimeline is the long-lived per-user record spanning multiple dialogs.
// Exactly one exists per end user; it is persisted and rehydrated by the
// store between turns.
type UserTimeline struct {
	PlayerID    string
	Dialogs     []*Dialog
	UserState   UserState
	Preferences UserPreferences
}

// NewUserTimeline creates an empty timeline for the player.
func NewUserTimeline(playerID string) *UserTimeline {
	return &UserTimeline{PlayerID: playerID}
}

// CurrentDialog returns the most recent dialog, or nil when none exists.
func (t *UserTimeline) CurrentDialog() *Dialog {
	if len(t.Dialogs) == 0 {
		return nil
	}
	return t.Dialogs[len(t.Dialogs)-1]
}

// AddDialog appends a dialog, making it the current one.
func (t *UserTimeline) AddDialog(d *Dialog) {
	t.Dialogs = append(t.Dialogs, d)
}

package store

import (
	"time"

	"github.com/BaSui01/botflow/engine"
)

// Snapshot records mirror the engine's timeline aggregate in a stable,
// backend-neutral shape. Story definitions are persisted by id only and
// re-resolved at load time; handler code never round-trips.

type timelineRecord struct {
	PlayerID         string            `json:"player_id" bson:"_id"`
	BotDisabled      bool              `json:"bot_disabled,omitempty" bson:"bot_disabled,omitempty"`
	ProfileLoaded    bool              `json:"profile_loaded,omitempty" bson:"profile_loaded,omitempty"`
	ProfileRefreshed bool              `json:"profile_refreshed,omitempty" bson:"profile_refreshed,omitempty"`
	Preferences      preferencesRecord `json:"preferences" bson:"preferences"`
	Dialogs          []dialogRecord    `json:"dialogs,omitempty" bson:"dialogs,omitempty"`
}

type preferencesRecord struct {
	FirstName string `json:"first_name,omitempty" bson:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	Locale    string `json:"locale,omitempty" bson:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty" bson:"timezone,omitempty"`
	Test      bool   `json:"test,omitempty" bson:"test,omitempty"`
}

type dialogRecord struct {
	ID            string                        `json:"id" bson:"id"`
	Participants  []string                      `json:"participants" bson:"participants"`
	CurrentIntent string                        `json:"current_intent,omitempty" bson:"current_intent,omitempty"`
	NextAction    *engine.ActionState           `json:"next_action,omitempty" bson:"next_action,omitempty"`
	Entities      map[string]engine.EntityValue `json:"entities,omitempty" bson:"entities,omitempty"`
	Stories       []storyRecord                 `json:"stories,omitempty" bson:"stories,omitempty"`
	LastUpdate    time.Time                     `json:"last_update" bson:"last_update"`
}

type storyRecord struct {
	DefinitionID string           `json:"definition_id" bson:"definition_id"`
	Intent       string           `json:"intent,omitempty" bson:"intent,omitempty"`
	Step         string           `json:"step,omitempty" bson:"step,omitempty"`
	Actions      []*engine.Action `json:"actions,omitempty" bson:"actions,omitempty"`
}

func encodeTimeline(t *engine.UserTimeline) *timelineRecord {
	rec := &timelineRecord{
		PlayerID:         t.PlayerID,
		BotDisabled:      t.UserState.BotDisabled,
		ProfileLoaded:    t.UserState.ProfileLoaded,
		ProfileRefreshed: t.UserState.ProfileRefreshed,
		Preferences: preferencesRecord{
			FirstName: t.Preferences.FirstName,
			LastName:  t.Preferences.LastName,
			Locale:    t.Preferences.Locale,
			Timezone:  t.Preferences.Timezone,
			Test:      t.Preferences.Test,
		},
	}
	for _, d := range t.Dialogs {
		dr := dialogRecord{
			ID:            d.ID,
			Participants:  d.Participants,
			CurrentIntent: d.State.CurrentIntent,
			NextAction:    d.State.NextActionState,
			Entities:      d.Entities.Snapshot(),
			LastUpdate:    d.LastUpdate,
		}
		for _, s := range d.Stories {
			dr.Stories = append(dr.Stories, storyRecord{
				DefinitionID: s.Definition.ID,
				Intent:       s.Intent,
				Step:         s.Step,
				Actions:      s.Actions,
			})
		}
		rec.Dialogs = append(rec.Dialogs, dr)
	}
	return rec
}

// decodeTimeline rehydrates a snapshot. Stories whose definition the
// resolver no longer knows are dropped; the rest of the dialog survives.
func decodeTimeline(rec *timelineRecord, resolver DefinitionResolver) *engine.UserTimeline {
	t := engine.NewUserTimeline(rec.PlayerID)
	t.UserState = engine.UserState{
		BotDisabled:      rec.BotDisabled,
		ProfileLoaded:    rec.ProfileLoaded,
		ProfileRefreshed: rec.ProfileRefreshed,
	}
	t.Preferences = engine.UserPreferences{
		FirstName: rec.Preferences.FirstName,
		LastName:  rec.Preferences.LastName,
		Locale:    rec.Preferences.Locale,
		Timezone:  rec.Preferences.Timezone,
		Test:      rec.Preferences.Test,
	}
	for _, dr := range rec.Dialogs {
		d := &engine.Dialog{
			ID:           dr.ID,
			Participants: dr.Participants,
			State: engine.DialogState{
				CurrentIntent:   dr.CurrentIntent,
				NextActionState: dr.NextAction,
			},
			Entities:   engine.RestoreEntityMemory(dr.Entities),
			LastUpdate: dr.LastUpdate,
		}
		for _, sr := range dr.Stories {
			def, ok := resolver.FindByID(sr.DefinitionID)
			if !ok {
				continue
			}
			story := engine.NewStory(def, sr.Intent)
			story.SetStep(sr.Step)
			story.Actions = sr.Actions
			d.Stories = append(d.Stories, story)
		}
		t.Dialogs = append(t.Dialogs, d)
	}
	return t
}

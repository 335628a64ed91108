package engine

import (
	"time"

	"github.com/google/uuid"
)

// DialogState is the mutable routing state of a dialog.
type DialogState struct {
	// CurrentIntent points at the intent resolved for the current turn.
	CurrentIntent string

	// NextActionState carries state prepared for the next action by the
	// previous turn. It is consumed and reset at the end of intent
	// resolution.
	NextActionState *ActionState
}

// Dialog is the full conversational state for one conversation: the
// participant set, the ordered story history (most recent last), the
// entity memory and the current-intent pointer. The story list is
// append-only; stories are never removed or reordered within a
// conversation's lifetime.
type Dialog struct {
	ID           string
	Participants []string
	Stories      []*Story
	State        DialogState
	Entities     *EntityMemory
	LastUpdate   time.Time
}

// NewDialog creates a dialog for the given participants.
func NewDialog(participants ...string) *Dialog {
	return &Dialog{
		ID:           uuid.New().String(),
		Participants: dedupe(participants),
		Entities:     NewEntityMemory(),
		LastUpdate:   time.Now(),
	}
}

// CurrentStory returns the most recent story, or nil for a fresh dialog.
func (d *Dialog) CurrentStory() *Story {
	if len(d.Stories) == 0 {
		return nil
	}
	return d.Stories[len(d.Stories)-1]
}

// AddStory appends a story, making it the current one.
func (d *Dialog) AddStory(s *Story) {
	d.Stories = append(d.Stories, s)
	d.LastUpdate = time.Now()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

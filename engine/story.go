package engine

// IntentUnknown is the intent name produced when no classification matches.
// It never appears in a real story definition's supported-intent set, so an
// unknown intent always falls back to the index's unknown story.
const IntentUnknown = "unknown"

// StoryHandler executes a story's behavior for one turn. Handlers are
// registered into story definitions at startup; every invocation receives
// the active conversation context as an explicit parameter.
type StoryHandler interface {
	Handle(tc *TurnContext) error
	// Support returns the probability that this handler can service the
	// turn, used for connector arbitration.
	Support(tc *TurnContext) float64
}

// HandlerFunc adapts a function to a StoryHandler with full support.
type HandlerFunc func(tc *TurnContext) error

func (f HandlerFunc) Handle(tc *TurnContext) error { return f(tc) }

func (f HandlerFunc) Support(tc *TurnContext) float64 { return 1 }

// StepDefinition is a named sub-state within a story, used for multi-turn
// flows inside one story. A step is eligible for a turn when the resolved
// intent is one of its intents, or when its predicate accepts it.
type StepDefinition struct {
	Name    string
	Intents []string

	// Eligible overrides intent-list matching when set.
	Eligible func(intent string) bool
}

// Accepts reports whether the step is eligible for the given intent.
func (s StepDefinition) Accepts(intent string) bool {
	if s.Eligible != nil {
		return s.Eligible(intent)
	}
	for _, i := range s.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// StoryDefinition is the immutable template of a story: its identity, the
// intents it supports, its steps, and the handler executed on each turn.
type StoryDefinition struct {
	ID             string
	StarterIntents []string
	Intents        []string
	Steps          []StepDefinition
	Handler        StoryHandler
}

// MainIntent returns the definition's primary intent.
func (d *StoryDefinition) MainIntent() string {
	if len(d.StarterIntents) > 0 {
		return d.StarterIntents[0]
	}
	return ""
}

// IsStarterIntent reports whether the intent can start this story.
func (d *StoryDefinition) IsStarterIntent(name string) bool {
	for _, i := range d.StarterIntents {
		if i == name {
			return true
		}
	}
	return false
}

// SupportsIntent reports whether the story handles the intent, either as a
// starter or as a secondary intent.
func (d *StoryDefinition) SupportsIntent(name string) bool {
	if d.IsStarterIntent(name) {
		return true
	}
	for _, i := range d.Intents {
		if i == name {
			return true
		}
	}
	return false
}

// AllIntents returns the starter and secondary intents of the definition.
func (d *StoryDefinition) AllIntents() []string {
	out := make([]string, 0, len(d.StarterIntents)+len(d.Intents))
	out = append(out, d.StarterIntents...)
	out = append(out, d.Intents...)
	return out
}

// FindStep returns the step with the given name.
func (d *StoryDefinition) FindStep(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Story is a runtime instance of a story definition bound to an active
// conversation. It tracks the active intent, the current step ("" means
// root-level handling) and the ordered log of processed actions. A story
// becomes historical once superseded but is never removed from its dialog.
type Story struct {
	Definition *StoryDefinition
	Intent     string
	Step       string
	Actions    []*Action
}

// NewStory creates a story bound to the definition with the given active
// intent.
func NewStory(def *StoryDefinition, intent string) *Story {
	return &Story{Definition: def, Intent: intent}
}

// CurrentStep returns the current step definition, if any.
func (s *Story) CurrentStep() (StepDefinition, bool) {
	if s.Step == "" {
		return StepDefinition{}, false
	}
	return s.Definition.FindStep(s.Step)
}

// SetStep sets the current step by name. Names not declared by the
// definition are ignored; "" clears the step.
func (s *Story) SetStep(name string) {
	if name == "" {
		s.Step = ""
		return
	}
	if _, ok := s.Definition.FindStep(name); ok {
		s.Step = name
	}
}

// ComputeCurrentStep computes the step for this turn from the action and
// the resolved intent. For choice actions the step encoded in the choice
// wins; for other actions the first step in definition order whose
// eligibility accepts the intent wins. When nothing matches the story
// falls back to root-level handling. Steps of already-processed actions
// are never changed retroactively.
func (s *Story) ComputeCurrentStep(a *Action, intent string) {
	if len(s.Definition.Steps) == 0 {
		return
	}
	if a.Kind == KindChoice {
		encoded := a.Params[ParamStep]
		for _, st := range s.Definition.Steps {
			if st.Name == encoded {
				s.Step = st.Name
				return
			}
		}
		s.Step = ""
		return
	}
	for _, st := range s.Definition.Steps {
		if st.Accepts(intent) {
			s.Step = st.Name
			return
		}
	}
	s.Step = ""
}

// AppendAction appends a processed action to the story's log.
func (s *Story) AppendAction(a *Action) {
	s.Actions = append(s.Actions, a)
}

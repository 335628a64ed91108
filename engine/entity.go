package engine

import "time"

// EntityValue is one recognized slot value for an entity role.
type EntityValue struct {
	Type         string    `json:"type"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Value        string    `json:"value,omitempty"`
	RecognizedAt time.Time `json:"recognized_at"`
}

// EntityMemory maps entity roles to their current values for one
// conversation. At most one live value exists per role. It is owned by a
// Dialog and must only be touched by the worker processing the current
// turn, so it carries no lock.
type EntityMemory struct {
	values map[string]EntityValue
	now    func() time.Time
}

// NewEntityMemory creates an empty entity memory.
func NewEntityMemory() *EntityMemory {
	return &EntityMemory{
		values: make(map[string]EntityValue),
		now:    time.Now,
	}
}

// RestoreEntityMemory rebuilds an entity memory from a persisted snapshot.
func RestoreEntityMemory(values map[string]EntityValue) *EntityMemory {
	m := NewEntityMemory()
	for role, v := range values {
		v.Role = role
		m.values[role] = v
	}
	return m
}

// Set stores the value for its role, replacing any previous value.
// A zero RecognizedAt is stamped with the current time.
func (m *EntityMemory) Set(v EntityValue) {
	if v.Role == "" {
		return
	}
	if v.RecognizedAt.IsZero() {
		v.RecognizedAt = m.now()
	}
	m.values[v.Role] = v
}

// Get returns the current value for the role.
func (m *EntityMemory) Get(role string) (EntityValue, bool) {
	v, ok := m.values[role]
	return v, ok
}

// Clear removes the value for the role.
func (m *EntityMemory) Clear(role string) {
	delete(m.values, role)
}

// Len returns the number of live roles.
func (m *EntityMemory) Len() int {
	return len(m.values)
}

// Snapshot returns a copy of the current role-to-value mapping.
func (m *EntityMemory) Snapshot() map[string]EntityValue {
	out := make(map[string]EntityValue, len(m.values))
	for role, v := range m.values {
		out[role] = v
	}
	return out
}

// Values returns the current values in no particular order.
func (m *EntityMemory) Values() []EntityValue {
	out := make([]EntityValue, 0, len(m.values))
	for _, v := range m.values {
		out = append(out, v)
	}
	return out
}

// DiffAndMerge reconciles the memory against an externally supplied target
// set in two passes. Pass 1 iterates a snapshot of the current mapping:
// roles the target does not mention are cleared, roles whose content or
// value differ are updated. Pass 2 inserts target roles absent from the
// snapshot. The snapshot is taken before any mutation so the diff never
// consumes its own writes mid-iteration, and removals and updates of stale
// roles always happen before new roles are added.
func (m *EntityMemory) DiffAndMerge(target []EntityValue) {
	byRole := make(map[string]EntityValue, len(target))
	for _, v := range target {
		if v.Role != "" {
			byRole[v.Role] = v
		}
	}

	current := m.Snapshot()
	for role, cur := range current {
		want, ok := byRole[role]
		if !ok {
			m.Clear(role)
			continue
		}
		if want.Content != cur.Content || want.Value != cur.Value {
			typ := want.Type
			if typ == "" {
				typ = cur.Type
			}
			m.Set(EntityValue{
				Type:    typ,
				Role:    role,
				Content: want.Content,
				Value:   want.Value,
			})
		}
	}

	for _, v := range target {
		if v.Role == "" {
			continue
		}
		if _, ok := current[v.Role]; !ok {
			m.Set(v)
		}
	}
}

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEntityMemory_SetAndClear(t *testing.T) {
	t.Parallel()

	m := NewEntityMemory()
	m.Set(EntityValue{Type: "size", Role: "size", Content: "medium"})

	v, ok := m.Get("size")
	require.True(t, ok)
	assert.Equal(t, "medium", v.Content)
	assert.False(t, v.RecognizedAt.IsZero())

	m.Set(EntityValue{Type: "size", Role: "size", Content: "large"})
	v, _ = m.Get("size")
	assert.Equal(t, "large", v.Content)
	assert.Equal(t, 1, m.Len())

	m.Clear("size")
	_, ok = m.Get("size")
	assert.False(t, ok)
}

func TestEntityMemory_SetIgnoresEmptyRole(t *testing.T) {
	t.Parallel()

	m := NewEntityMemory()
	m.Set(EntityValue{Content: "orphan"})
	assert.Zero(t, m.Len())
}

func TestEntityMemory_DiffAndMerge(t *testing.T) {
	t.Parallel()

	m := NewEntityMemory()
	m.Set(EntityValue{Type: "size", Role: "size", Content: "medium", Value: "M"})
	m.Set(EntityValue{Type: "city", Role: "destination", Content: "Paris"})

	m.DiffAndMerge([]EntityValue{
		{Type: "size", Role: "size", Content: "large", Value: "L"},
		{Type: "count", Role: "count", Content: "2"},
	})

	v, ok := m.Get("size")
	require.True(t, ok)
	assert.Equal(t, "large", v.Content)
	assert.Equal(t, "L", v.Value)

	_, ok = m.Get("destination")
	assert.False(t, ok, "role absent from target must be cleared")

	v, ok = m.Get("count")
	require.True(t, ok)
	assert.Equal(t, "2", v.Content)
}

func TestEntityMemory_DiffKeepsUnchangedValue(t *testing.T) {
	t.Parallel()

	m := NewEntityMemory()
	recognized := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Set(EntityValue{Type: "size", Role: "size", Content: "large", RecognizedAt: recognized})

	m.DiffAndMerge([]EntityValue{{Type: "size", Role: "size", Content: "large"}})

	v, ok := m.Get("size")
	require.True(t, ok)
	assert.Equal(t, recognized, v.RecognizedAt, "unchanged role must not be rewritten")
}

func TestEntityMemory_RestoreSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewEntityMemory()
	m.Set(EntityValue{Type: "size", Role: "size", Content: "large"})
	m.Set(EntityValue{Type: "count", Role: "count", Content: "2"})

	restored := RestoreEntityMemory(m.Snapshot())
	assert.Equal(t, m.Snapshot(), restored.Snapshot())
}

// Applying the same target set twice yields the same mapping as applying
// it once.
func TestEntityMemory_DiffAndMergeIdempotent(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		role := rapid.SampledFrom([]string{"size", "count", "destination", "date"})
		entity := rapid.Custom(func(t *rapid.T) EntityValue {
			return EntityValue{
				Type:    rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "type"),
				Role:    role.Draw(t, "role"),
				Content: rapid.StringMatching(`[a-z0-9 ]{0,12}`).Draw(t, "content"),
				Value:   rapid.StringMatching(`[A-Z0-9]{0,4}`).Draw(t, "value"),
			}
		})

		initial := rapid.SliceOfN(entity, 0, 6).Draw(t, "initial")
		target := rapid.SliceOfN(entity, 0, 6).Draw(t, "target")

		once := NewEntityMemory()
		twice := NewEntityMemory()
		for _, v := range initial {
			once.Set(v)
			twice.Set(v)
		}

		once.DiffAndMerge(target)
		twice.DiffAndMerge(target)
		twice.DiffAndMerge(target)

		onceSnap := once.Snapshot()
		twiceSnap := twice.Snapshot()
		require.Equal(t, len(onceSnap), len(twiceSnap))
		for role, v := range onceSnap {
			w, ok := twiceSnap[role]
			require.True(t, ok)
			assert.Equal(t, v.Content, w.Content)
			assert.Equal(t, v.Value, w.Value)
			assert.Equal(t, v.Type, w.Type)
		}
	})
}

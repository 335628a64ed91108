package store

import (
	"context"
	"sync"

	"github.com/BaSui01/botflow/engine"
)

// MemoryStoryRepository is an in-memory StoryDefinitionRepository for
// development and testing.
type MemoryStoryRepository struct {
	mu       sync.RWMutex
	defs     []*engine.StoryDefinition
	byID     map[string]*engine.StoryDefinition
	watchers []chan struct{}
	closed   bool
}

// NewMemoryStoryRepository creates an empty in-memory repository.
func NewMemoryStoryRepository() *MemoryStoryRepository {
	return &MemoryStoryRepository{byID: make(map[string]*engine.StoryDefinition)}
}

// FindByID implements StoryDefinitionRepository.
func (r *MemoryStoryRepository) FindByID(ctx context.Context, id string) (*engine.StoryDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}
	if def, ok := r.byID[id]; ok {
		return def, nil
	}
	return nil, ErrNotFound
}

// FindByIntent implements StoryDefinitionRepository.
func (r *MemoryStoryRepository) FindByIntent(ctx context.Context, intent string) (*engine.StoryDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}
	for _, def := range r.defs {
		if def.IsStarterIntent(intent) {
			return def, nil
		}
	}
	return nil, ErrNotFound
}

// All implements StoryDefinitionRepository.
func (r *MemoryStoryRepository) All(ctx context.Context) ([]*engine.StoryDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*engine.StoryDefinition, len(r.defs))
	copy(out, r.defs)
	return out, nil
}

// Save implements StoryDefinitionRepository.
func (r *MemoryStoryRepository) Save(ctx context.Context, def *engine.StoryDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStoreClosed
	}
	if _, ok := r.byID[def.ID]; ok {
		for i, d := range r.defs {
			if d.ID == def.ID {
				r.defs[i] = def
				break
			}
		}
	} else {
		r.defs = append(r.defs, def)
	}
	r.byID[def.ID] = def
	r.notifyLocked()
	return nil
}

// Delete implements StoryDefinitionRepository.
func (r *MemoryStoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStoreClosed
	}
	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	for i, d := range r.defs {
		if d.ID == id {
			r.defs = append(r.defs[:i], r.defs[i+1:]...)
			break
		}
	}
	r.notifyLocked()
	return nil
}

// WatchChanges implements StoryDefinitionRepository. Notifications are
// delivered on a buffered channel; a slow consumer coalesces bursts.
func (r *MemoryStoryRepository) WatchChanges(ctx context.Context) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrStoreClosed
	}
	ch := make(chan struct{}, 1)
	r.watchers = append(r.watchers, ch)
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Close implements StoryDefinitionRepository.
func (r *MemoryStoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MemoryStoryRepository) notifyLocked() {
	for _, w := range r.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// MemoryTimelineStore is an in-memory UserTimelineStore for development
// and testing. Snapshots round-trip through the codec so it exercises the
// same encode/decode path as the persistent stores.
type MemoryTimelineStore struct {
	mu      sync.RWMutex
	records map[string]*timelineRecord
	closed  bool
}

// NewMemoryTimelineStore creates an empty in-memory timeline store.
func NewMemoryTimelineStore() *MemoryTimelineStore {
	return &MemoryTimelineStore{records: make(map[string]*timelineRecord)}
}

// Load implements UserTimelineStore.
func (s *MemoryTimelineStore) Load(ctx context.Context, playerID string, resolver DefinitionResolver) (*engine.UserTimeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[playerID]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeTimeline(rec, resolver), nil
}

// Save implements UserTimelineStore.
func (s *MemoryTimelineStore) Save(ctx context.Context, t *engine.UserTimeline) error {
	if t == nil || t.PlayerID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[t.PlayerID] = encodeTimeline(t)
	return nil
}

// Close implements UserTimelineStore.
func (s *MemoryTimelineStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ StoryDefinitionRepository = (*MemoryStoryRepository)(nil)
	_ UserTimelineStore         = (*MemoryTimelineStore)(nil)
)

// Package store provides the persistence layer for story definitions and
// user timelines.
//
// Two concerns are covered:
//  1. Story definition repositories: the declarative part of a story
//     (intents, steps) lives in a database and is rebound to its handler
//     through a HandlerRegistry at load time.
//  2. User timeline stores: the per-user conversational state is
//     snapshotted between turns and rehydrated against the deployment's
//     definition resolver.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQL (sqlite/mysql/postgres via gorm): story definitions
// - Mongo, Redis: user timelines
package store

import (
	"context"
	"errors"

	"github.com/BaSui01/botflow/engine"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// DefinitionResolver resolves story definition ids to live definitions.
// *engine.BotDefinitionIndex satisfies it.
type DefinitionResolver interface {
	FindByID(id string) (*engine.StoryDefinition, bool)
}

// StoryDefinitionRepository stores the declarative part of story
// definitions. Returned definitions carry handlers resolved through the
// repository's registry.
type StoryDefinitionRepository interface {
	// FindByID returns the definition with the given id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*engine.StoryDefinition, error)

	// FindByIntent returns the definition whose starter intents contain
	// the intent, or ErrNotFound.
	FindByIntent(ctx context.Context, intent string) (*engine.StoryDefinition, error)

	// All returns every stored definition in insertion order.
	All(ctx context.Context) ([]*engine.StoryDefinition, error)

	// Save inserts or replaces the definition.
	Save(ctx context.Context, def *engine.StoryDefinition) error

	// Delete removes the definition with the given id, or ErrNotFound.
	Delete(ctx context.Context, id string) error

	// WatchChanges returns a channel signalling whenever the stored
	// definition set changes. The channel is closed when ctx is done.
	WatchChanges(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// UserTimelineStore persists per-user timelines between turns.
type UserTimelineStore interface {
	// Load returns the timeline for the player, or ErrNotFound for a user
	// never seen before. Stories referencing definitions the resolver no
	// longer knows are dropped from the rehydrated timeline.
	Load(ctx context.Context, playerID string, resolver DefinitionResolver) (*engine.UserTimeline, error)

	// Save snapshots the timeline.
	Save(ctx context.Context, t *engine.UserTimeline) error

	Close() error
}

// HandlerRegistry binds story definition ids to their handlers. The
// declarative part of a definition round-trips through a database; the
// handler is code and must be re-attached at load time.
type HandlerRegistry struct {
	handlers map[string]engine.StoryHandler
	fallback engine.StoryHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]engine.StoryHandler)}
}

// Register binds the handler to the story id, replacing any previous
// binding.
func (r *HandlerRegistry) Register(storyID string, h engine.StoryHandler) {
	r.handlers[storyID] = h
}

// SetFallback sets the handler used for story ids with no explicit
// binding, typically a RemoteStoryHandler.
func (r *HandlerRegistry) SetFallback(h engine.StoryHandler) {
	r.fallback = h
}

// Resolve returns the handler for the story id. Unbound ids resolve to
// the fallback, which may be nil.
func (r *HandlerRegistry) Resolve(storyID string) engine.StoryHandler {
	if h, ok := r.handlers[storyID]; ok {
		return h
	}
	return r.fallback
}

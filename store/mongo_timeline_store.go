package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/botflow/engine"
)

// MongoTimelineStore persists user timelines as one document per player,
// keyed by player id.
type MongoTimelineStore struct {
	coll *mongo.Collection
}

// NewMongoTimelineStore creates the store over the given collection,
// typically database.Collection("user_timelines").
func NewMongoTimelineStore(coll *mongo.Collection) *MongoTimelineStore {
	return &MongoTimelineStore{coll: coll}
}

// Load implements UserTimelineStore.
func (s *MongoTimelineStore) Load(ctx context.Context, playerID string, resolver DefinitionResolver) (*engine.UserTimeline, error) {
	var rec timelineRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": playerID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline: %w", err)
	}
	return decodeTimeline(&rec, resolver), nil
}

// Save implements UserTimelineStore.
func (s *MongoTimelineStore) Save(ctx context.Context, t *engine.UserTimeline) error {
	if t == nil || t.PlayerID == "" {
		return ErrInvalidInput
	}
	rec := encodeTimeline(t)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": t.PlayerID}, rec,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save timeline: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying client's lifecycle is owned by the
// caller.
func (s *MongoTimelineStore) Close() error { return nil }

var _ UserTimelineStore = (*MongoTimelineStore)(nil)

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/types"
)

// RedisTimelineStore persists user timelines as JSON snapshots in redis.
// Suitable for distributed deployments; an optional TTL lets inactive
// conversations expire.
type RedisTimelineStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisTimelineStoreConfig configures a RedisTimelineStore.
type RedisTimelineStoreConfig struct {
	// KeyPrefix is prepended to every key; defaults to "botflow:".
	KeyPrefix string

	// TTL expires inactive timelines; zero keeps them forever.
	TTL time.Duration
}

// NewRedisTimelineStore creates the store over an existing client.
func NewRedisTimelineStore(client redis.UniversalClient, cfg RedisTimelineStoreConfig) *RedisTimelineStore {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "botflow:"
	}
	return &RedisTimelineStore{
		client:    client,
		keyPrefix: keyPrefix + "timeline:",
		ttl:       cfg.TTL,
	}
}

func (s *RedisTimelineStore) timelineKey(playerID string) string {
	return s.keyPrefix + playerID
}

// Load implements UserTimelineStore.
func (s *RedisTimelineStore) Load(ctx context.Context, playerID string, resolver DefinitionResolver) (*engine.UserTimeline, error) {
	data, err := s.client.Get(ctx, s.timelineKey(playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline: %w", err)
	}
	var rec timelineRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, types.NewError(types.ErrTimelineCorrupt, "failed to decode timeline for "+playerID).WithCause(err)
	}
	return decodeTimeline(&rec, resolver), nil
}

// Save implements UserTimelineStore.
func (s *RedisTimelineStore) Save(ctx context.Context, t *engine.UserTimeline) error {
	if t == nil || t.PlayerID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(encodeTimeline(t))
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}
	return s.client.Set(ctx, s.timelineKey(t.PlayerID), data, s.ttl).Err()
}

// Close implements UserTimelineStore.
func (s *RedisTimelineStore) Close() error {
	return s.client.Close()
}

var _ UserTimelineStore = (*RedisTimelineStore)(nil)

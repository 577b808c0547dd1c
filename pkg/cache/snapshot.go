// Package cache mirrors live session snapshots into Redis so a session can be
// rebuilt after an eviction or a restart
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tecu23/chess-relay/pkg/game"
)

const keyPrefix = "session:"

// SnapshotStore reads and writes session snapshots
type SnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// Connect parses a redis:// URL and checks the server is reachable
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewSnapshotStore wraps rdb. Every write refreshes the key's ttl.
func NewSnapshotStore(rdb *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{rdb: rdb, ttl: ttl}
}

func key(id string) string { return keyPrefix + id }

// Save stores the snapshot under its session id
func (s *SnapshotStore) Save(ctx context.Context, snap game.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.rdb.Set(ctx, key(snap.ID), raw, s.ttl).Err()
}

// Load returns the saved snapshot, or nil when there is none
func (s *SnapshotStore) Load(ctx context.Context, id string) (*game.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap game.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// Delete drops the saved snapshot
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, key(id)).Err()
}

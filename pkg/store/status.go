// Package store persists task records in Redis. The stored record is the
// source of truth for external pollers: each lifecycle transition is written
// as a single atomic SET of the full JSON record, so a concurrent reader
// always observes one of the defined states, never a partial write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/tasks"
)

// DefaultTTL is how long a task record survives after its last write.
const DefaultTTL = time.Hour

// ErrNotFound indicates no record exists for the requested task ID, either
// because it was never submitted or because its TTL elapsed.
var ErrNotFound = errors.New("task not found")

// StatusStore is a durable key-value record of task state with TTL expiry.
type StatusStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a StatusStore writing records with the given TTL.
// A zero ttl falls back to DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration) *StatusStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusStore{rdb: rdb, ttl: ttl}
}

// Save writes the full task record, resetting its TTL.
func (s *StatusStore) Save(ctx context.Context, t *tasks.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := s.rdb.Set(ctx, taskKey(t.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a task record by ID. Returns ErrNotFound for missing or
// expired records.
func (s *StatusStore) Get(ctx context.Context, id string) (*tasks.Task, error) {
	raw, err := s.rdb.Get(ctx, taskKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}

	var t tasks.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func taskKey(id string) string {
	return "task:" + id
}

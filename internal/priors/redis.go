package priors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const snapshotKey = "demandcast:priors:current"

// RedisSink persists the current snapshot as one JSON value.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (r *RedisSink) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// keep the record a while past expiry so a restart can still restore it as stale
	ttl := time.Until(snap.ExpiresAt) + 7*24*time.Hour
	if snap.ExpiresAt.IsZero() {
		ttl = 0
	}
	if err := r.client.Set(ctx, snapshotKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisSink) Load(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

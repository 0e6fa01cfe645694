package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/sentinel"
)

const snapshotKeyPrefix = "registry:snapshot:"

// RedisStore keeps snapshots in Redis so several instances can share them.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed snapshot store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func snapshotKey(name string) string {
	return snapshotKeyPrefix + name
}

func (s *RedisStore) Load(ctx context.Context, name string) (*registry.Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load registry snapshot: %w", err)
	}
	return decode(data)
}

// Save writes the snapshot under WATCH so a concurrent writer with a newer
// version aborts this transaction instead of being overwritten.
func (s *RedisStore) Save(ctx context.Context, snap registry.Snapshot) error {
	key := snapshotKey(snap.Name)
	data, err := encode(snap)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored, err := decode(current)
			if err != nil {
				return err
			}
			if err := checkVersion(stored, snap); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("registry %q modified concurrently: %w", snap.Name, sentinel.ErrConflict)
	}
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return err
		}
		return fmt.Errorf("save registry snapshot: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Health pings Redis.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/sentinel"
)

var bucketSnapshots = []byte("snapshots")

// BoltStore keeps snapshots in a single bbolt file for single-node deployments.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the bbolt database at path.
// The parent directory is created if it does not exist.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("bolt store: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt store: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Load(_ context.Context, name string) (*registry.Snapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketSnapshots).Get([]byte(name)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load registry snapshot: %w", err)
	}
	if data == nil {
		return nil, sentinel.ErrNotFound
	}
	return decode(data)
}

func (s *BoltStore) Save(_ context.Context, snap registry.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if current := b.Get([]byte(snap.Name)); current != nil {
			stored, err := decode(current)
			if err != nil {
				return err
			}
			if err := checkVersion(stored, snap); err != nil {
				return err
			}
		}
		return b.Put([]byte(snap.Name), data)
	})
}

// Health reports whether the database is still open.
func (s *BoltStore) Health(context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

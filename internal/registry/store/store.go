// Package store persists registry snapshots.
//
// Every backend stores one snapshot per registry name and refuses writes that
// would move a registry's version backwards, returning sentinel.ErrConflict.
// Load returns sentinel.ErrNotFound when no snapshot exists.
package store

import (
	"encoding/json"
	"fmt"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/sentinel"
)

// checkVersion rejects a write of next over stored when it would not advance
// the version. A fresh registry (version 0) may be written once.
func checkVersion(stored *registry.Snapshot, next registry.Snapshot) error {
	if stored == nil {
		return nil
	}
	if next.Version <= stored.Version {
		return fmt.Errorf("registry %q at version %d, write has %d: %w",
			next.Name, stored.Version, next.Version, sentinel.ErrConflict)
	}
	return nil
}

func encode(s registry.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %q: %w", s.Name, err)
	}
	return data, nil
}

func decode(data []byte) (*registry.Snapshot, error) {
	var s registry.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func clone(s registry.Snapshot) registry.Snapshot {
	s.Members = append([]registry.Address(nil), s.Members...)
	return s
}

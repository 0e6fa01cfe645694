package registry

import (
	"fmt"
	"time"
)

// Snapshot is the persistable state of a registry.
type Snapshot struct {
	Name      string    `json:"name"`
	Owner     Address   `json:"owner"`
	Members   []Address `json:"members"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that s describes a reachable registry state.
func (s Snapshot) Validate() error {
	if IsZero(s.Owner) {
		return fmt.Errorf("%w: zero owner", ErrInvalidSnapshot)
	}
	seen := make(map[Address]struct{}, len(s.Members))
	for _, m := range s.Members {
		if IsZero(m) {
			return fmt.Errorf("%w: zero member", ErrInvalidSnapshot)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidSnapshot, m.Hex())
		}
		seen[m] = struct{}{}
	}
	if _, ok := seen[s.Owner]; !ok {
		return fmt.Errorf("%w: owner %s is not a member", ErrInvalidSnapshot, s.Owner.Hex())
	}
	return nil
}

// Snapshot captures the registry state under the read lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]Address, len(r.members))
	copy(members, r.members)
	return Snapshot{
		Name:      r.name,
		Owner:     r.owner,
		Members:   members,
		Version:   r.version,
		UpdatedAt: r.now(),
	}
}

// Restore replaces the registry state with s. The snapshot name is not
// checked; the registry keeps its own name.
func (r *Registry) Restore(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	members := make([]Address, len(s.Members))
	copy(members, s.Members)
	index := make(map[Address]int, len(members))
	for i, m := range members {
		index[m] = i
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = s.Owner
	r.members = members
	r.index = index
	r.version = s.Version
	return nil
}

// FromSnapshot builds a registry from persisted state.
func FromSnapshot(s Snapshot, opts ...Option) (*Registry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	r, err := New(s.Name, s.Owner, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Restore(s); err != nil {
		return nil, err
	}
	return r, nil
}

// Package registry implements the authorized-address registry: an owner-managed
// allow-list with O(1) membership checks, O(1) insertion and O(1) swap-delete
// removal.
//
// A Registry is safe for concurrent use. Mutations take the write lock for their
// whole validate-then-mutate sequence, so a failed call never leaves partial
// state behind. Reads (IsAuthorized, Members, Count, Owner) share the read lock;
// Members returns a copy taken under that lock.
//
// Member order is an implementation detail. Removal moves the last member into
// the freed slot, so positions change; callers must rely only on set membership.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Registry is an owner-gated set of authorized addresses.
type Registry struct {
	mu      sync.RWMutex
	name    string
	owner   Address
	members []Address
	// index maps a member to its slot in members. Absence from the map means
	// "not a member"; no sentinel slot value is reserved.
	index   map[Address]int
	version uint64
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New initializes a registry whose sole member is initialOwner.
func New(name string, initialOwner Address, opts ...Option) (*Registry, error) {
	if IsZero(initialOwner) {
		return nil, fmt.Errorf("%w: owner cannot be zero address", ErrInvalidAddress)
	}
	r := &Registry{
		name:  name,
		owner: initialOwner,
		index: make(map[Address]int),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.appendMember(initialOwner)
	return r, nil
}

// Name returns the registry name.
func (r *Registry) Name() string { return r.name }

// IsAuthorized reports whether addr is a member. It never fails.
func (r *Registry) IsAuthorized(addr Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[addr]
	return ok
}

// Owner returns the current owner.
func (r *Registry) Owner() Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// Count returns the number of members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Version returns the number of successful mutations applied since creation,
// carried across Snapshot/Restore.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Members returns a copy of the member list in its current internal order.
func (r *Registry) Members() []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Address, len(r.members))
	copy(out, r.members)
	return out
}

// Authorize adds addr as a member. Only the owner may call it.
func (r *Registry) Authorize(caller, addr Address) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.owner {
		return Event{}, ErrUnauthorized
	}
	if IsZero(addr) {
		return Event{}, fmt.Errorf("%w: cannot authorize zero address", ErrInvalidAddress)
	}
	if _, ok := r.index[addr]; ok {
		return Event{}, ErrAlreadyAuthorized
	}

	r.appendMember(addr)
	r.version++
	r.mustHoldInvariants()

	return Event{
		Kind:     EventAuthorized,
		Registry: r.name,
		Address:  addr,
		Actor:    caller,
		Version:  r.version,
		At:       r.now(),
	}, nil
}

// Deauthorize removes addr. Only the owner may call it, and the owner itself
// can never be removed.
func (r *Registry) Deauthorize(caller, addr Address) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.owner {
		return Event{}, ErrUnauthorized
	}
	i, ok := r.index[addr]
	if !ok {
		return Event{}, ErrNotAuthorized
	}
	if addr == r.owner {
		return Event{}, ErrCannotRemoveOwner
	}

	last := len(r.members) - 1
	if i != last {
		moved := r.members[last]
		r.members[i] = moved
		r.index[moved] = i
	}
	r.members[last] = Address{}
	r.members = r.members[:last]
	delete(r.index, addr)
	r.version++
	r.mustHoldInvariants()

	return Event{
		Kind:     EventDeauthorized,
		Registry: r.name,
		Address:  addr,
		Actor:    caller,
		Version:  r.version,
		At:       r.now(),
	}, nil
}

// TransferOwnership hands ownership to newOwner, adding it as a member when it
// is not one already. The previous owner keeps its membership.
func (r *Registry) TransferOwnership(caller, newOwner Address) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.owner {
		return Event{}, ErrUnauthorized
	}
	if IsZero(newOwner) {
		return Event{}, fmt.Errorf("%w: new owner cannot be zero address", ErrInvalidAddress)
	}
	if newOwner == r.owner {
		return Event{}, ErrSameOwner
	}

	previous := r.owner
	r.owner = newOwner
	_, present := r.index[newOwner]
	if !present {
		r.appendMember(newOwner)
	}
	r.version++
	r.mustHoldInvariants()

	return Event{
		Kind:          EventOwnershipTransferred,
		Registry:      r.name,
		Actor:         caller,
		PreviousOwner: previous,
		NewOwner:      newOwner,
		Added:         !present,
		Version:       r.version,
		At:            r.now(),
	}, nil
}

// Verify rebuilds the index from the member list and compares it with the
// stored index. It returns nil when every invariant holds.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verifyLocked()
}

// appendMember must be called with the write lock held (or before the
// registry is shared) and only for addresses that are not yet members.
func (r *Registry) appendMember(addr Address) {
	r.index[addr] = len(r.members)
	r.members = append(r.members, addr)
}

func (r *Registry) mustHoldInvariants() {
	if err := r.verifyLocked(); err != nil {
		panic(fmt.Sprintf("registry %q: %v", r.name, err))
	}
}

func (r *Registry) verifyLocked() error {
	if len(r.index) != len(r.members) {
		return fmt.Errorf("index has %d entries, member list has %d", len(r.index), len(r.members))
	}
	for i, m := range r.members {
		if IsZero(m) {
			return fmt.Errorf("zero address at slot %d", i)
		}
		j, ok := r.index[m]
		if !ok {
			return fmt.Errorf("member %s missing from index", m.Hex())
		}
		if j != i {
			return fmt.Errorf("member %s indexed at %d, stored at %d", m.Hex(), j, i)
		}
	}
	if _, ok := r.index[r.owner]; !ok {
		return fmt.Errorf("owner %s is not a member", r.owner.Hex())
	}
	return nil
}

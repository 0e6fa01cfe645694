package registry

import "time"

// EventKind names a registry mutation.
type EventKind string

const (
	EventAuthorized           EventKind = "authorized"
	EventDeauthorized         EventKind = "deauthorized"
	EventOwnershipTransferred EventKind = "ownership_transferred"
)

// Event describes a successful mutation. Address and Actor are set for
// authorize/deauthorize; PreviousOwner and NewOwner for ownership transfers.
type Event struct {
	Kind          EventKind `json:"kind"`
	Registry      string    `json:"registry"`
	Address       Address   `json:"address,omitzero"`
	Actor         Address   `json:"actor"`
	PreviousOwner Address   `json:"previous_owner,omitzero"`
	NewOwner      Address   `json:"new_owner,omitzero"`
	// Added is true when a transfer appended the new owner to the member list.
	Added   bool      `json:"added,omitempty"`
	Version uint64    `json:"version"`
	At      time.Time `json:"at"`
}

// Subject returns the address the event is about.
func (e Event) Subject() Address {
	if e.Kind == EventOwnershipTransferred {
		return e.NewOwner
	}
	return e.Address
}

package handler

import (
	"time"

	"gatekeeper/internal/registry"
	"gatekeeper/internal/registry/service"
	audit "gatekeeper/pkg/platform/audit"
)

// AuthorizeRequest is the body of POST /registries/{name}/members.
type AuthorizeRequest struct {
	Address string `json:"address"`
}

// TransferOwnershipRequest is the body of PUT /registries/{name}/owner.
type TransferOwnershipRequest struct {
	NewOwner string `json:"new_owner"`
}

type RegistriesResponse struct {
	Registries []string `json:"registries"`
}

type RegistryResponse struct {
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	Count   int    `json:"count"`
	Version uint64 `json:"version"`
}

type MembersResponse struct {
	Members []string `json:"members"`
	Count   int      `json:"count"`
}

type MembershipResponse struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

// EventResponse renders a registry mutation with checksummed addresses.
type EventResponse struct {
	Kind          string    `json:"kind"`
	Registry      string    `json:"registry"`
	Address       string    `json:"address,omitempty"`
	Actor         string    `json:"actor"`
	PreviousOwner string    `json:"previous_owner,omitempty"`
	NewOwner      string    `json:"new_owner,omitempty"`
	Added         bool      `json:"added,omitempty"`
	Version       uint64    `json:"version"`
	At            time.Time `json:"at"`
}

type AuditEntry struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type AuditResponse struct {
	Registry string       `json:"registry"`
	Events   []AuditEntry `json:"events"`
}

func toRegistryResponse(s *service.Summary) RegistryResponse {
	return RegistryResponse{
		Name:    s.Name,
		Owner:   s.Owner.Hex(),
		Count:   s.Count,
		Version: s.Version,
	}
}

func toMembersResponse(members []registry.Address) MembersResponse {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Hex()
	}
	return MembersResponse{Members: out, Count: len(out)}
}

func hexOrEmpty(a registry.Address) string {
	if registry.IsZero(a) {
		return ""
	}
	return a.Hex()
}

func toEventResponse(e registry.Event) EventResponse {
	return EventResponse{
		Kind:          string(e.Kind),
		Registry:      e.Registry,
		Address:       hexOrEmpty(e.Address),
		Actor:         e.Actor.Hex(),
		PreviousOwner: hexOrEmpty(e.PreviousOwner),
		NewOwner:      hexOrEmpty(e.NewOwner),
		Added:         e.Added,
		Version:       e.Version,
		At:            e.At,
	}
}

func toAuditResponse(name string, events []audit.Event) AuditResponse {
	out := make([]AuditEntry, len(events))
	for i, e := range events {
		out[i] = AuditEntry{
			ID:        e.ID.String(),
			Category:  string(e.Category),
			Action:    e.Action,
			Subject:   e.Subject,
			Actor:     e.ActorID,
			Reason:    e.Reason,
			RequestID: e.RequestID,
			Timestamp: e.Timestamp,
		}
	}
	return AuditResponse{Registry: name, Events: out}
}

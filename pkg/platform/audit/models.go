package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategorySecurity covers changes to who may act: grants, revocations and
	// ownership changes. These feed SIEM pipelines.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        uuid.UUID
	Category  EventCategory
	Timestamp time.Time
	// Registry names the allow-list the action applied to.
	Registry string
	Action   string
	// Subject is the address the action was about (member or new owner).
	Subject string
	// ActorID is the caller address that performed the action.
	ActorID   string
	Reason    string
	RequestID string
	ClientIP  string
	// Browser is the parsed User-Agent family, when the request carried one.
	Browser string
}

type AuditEvent string

const (
	EventMemberAuthorized     AuditEvent = "member_authorized"
	EventMemberDeauthorized   AuditEvent = "member_deauthorized"
	EventOwnershipTransferred AuditEvent = "ownership_transferred"
	EventMutationRejected     AuditEvent = "mutation_rejected"
	EventMembershipDenied     AuditEvent = "membership_denied"
	EventRegistryCreated      AuditEvent = "registry_created"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventMemberAuthorized:     CategorySecurity,
	EventMemberDeauthorized:   CategorySecurity,
	EventOwnershipTransferred: CategorySecurity,
	EventMutationRejected:     CategorySecurity,
	EventMembershipDenied:     CategorySecurity,

	EventRegistryCreated: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByRegistry(ctx context.Context, registry string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

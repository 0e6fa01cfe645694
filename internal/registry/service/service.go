package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/registry"
	"gatekeeper/internal/registry/metrics"
	dErrors "gatekeeper/pkg/domain-errors"
	audit "gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

const (
	defaultSinkTimeout = 5 * time.Second
	maxCommitAttempts  = 2
)

// Store persists registry snapshots.
type Store interface {
	Load(ctx context.Context, name string) (*registry.Snapshot, error)
	Save(ctx context.Context, snap registry.Snapshot) error
}

// AuditPublisher records audit events and lists them back per registry.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
	List(ctx context.Context, registry string) ([]audit.Event, error)
}

// EventSink receives every successful registry mutation.
type EventSink interface {
	Publish(ctx context.Context, event registry.Event) error
}

// Summary describes a registry without listing its members.
type Summary struct {
	Name    string           `json:"name"`
	Owner   registry.Address `json:"owner"`
	Count   int              `json:"count"`
	Version uint64           `json:"version"`
}

// entry pairs a registry with the lock that serializes its
// mutate-persist-rollback sequence.
type entry struct {
	mu  sync.Mutex
	reg *registry.Registry
}

// Service hosts named registries and keeps them in sync with a Store.
type Service struct {
	store          Store
	logger         *slog.Logger
	auditPublisher AuditPublisher
	sink           EventSink
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	registryOpts   []registry.Option
	sinkTimeout    time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithSinkTimeout bounds how long a mutation waits for the event sink.
func WithSinkTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sinkTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithRegistryOptions passes options to every registry the service creates or loads.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(s *Service) {
		s.registryOpts = append(s.registryOpts, opts...)
	}
}

// New constructs a Service. The store is required.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	s := &Service{
		store:       store,
		entries:     make(map[string]*entry),
		sinkTimeout: defaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("gatekeeper/registry")
	}
	return s, nil
}

// Bootstrap loads every configured registry from the store, creating and
// saving the ones that do not exist yet with their configured initial owner.
// A registry that already exists keeps its persisted owner.
func (s *Service) Bootstrap(ctx context.Context, owners map[string]registry.Address) error {
	var mu sync.Mutex
	loaded := make(map[string]*registry.Registry, len(owners))

	g, gctx := errgroup.WithContext(ctx)
	for name, owner := range owners {
		name := canonicalName(name)
		g.Go(func() error {
			reg, created, err := s.loadOrCreate(gctx, name, owner)
			if err != nil {
				return err
			}
			if created {
				s.logger.InfoContext(gctx, "registry created",
					"registry", name,
					"owner", owner.Hex(),
				)
				s.emitAudit(gctx, audit.Event{
					Registry: name,
					Action:   string(audit.EventRegistryCreated),
					Subject:  owner.Hex(),
				})
			}
			mu.Lock()
			loaded[name] = reg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, reg := range loaded {
		s.entries[name] = &entry{reg: reg}
		s.setMembersGauge(name, reg.Count())
	}
	return nil
}

func (s *Service) loadOrCreate(ctx context.Context, name string, owner registry.Address) (*registry.Registry, bool, error) {
	snap, err := s.store.Load(ctx, name)
	switch {
	case err == nil:
		snap.Name = name
		reg, err := registry.FromSnapshot(*snap, s.registryOpts...)
		if err != nil {
			return nil, false, fmt.Errorf("restore registry %q: %w", name, err)
		}
		return reg, false, nil
	case errors.Is(err, sentinel.ErrNotFound):
		reg, err := registry.New(name, owner, s.registryOpts...)
		if err != nil {
			return nil, false, fmt.Errorf("create registry %q: %w", name, err)
		}
		if err := s.store.Save(ctx, reg.Snapshot()); err != nil {
			return nil, false, fmt.Errorf("save new registry %q: %w", name, err)
		}
		return reg, true, nil
	default:
		return nil, false, fmt.Errorf("load registry %q: %w", name, err)
	}
}

// Names returns the hosted registry names in sorted order.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// canonicalName folds a registry name to the lowercase form it is hosted under.
func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *Service) lookup(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[canonicalName(name)]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("registry %q not found", name))
	}
	return e, nil
}

// Describe returns the owner, size and version of a registry.
func (s *Service) Describe(_ context.Context, name string) (*Summary, error) {
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	snap := e.reg.Snapshot()
	return &Summary{
		Name:    e.reg.Name(),
		Owner:   snap.Owner,
		Count:   len(snap.Members),
		Version: snap.Version,
	}, nil
}

// Members returns a snapshot of the registry's members.
func (s *Service) Members(_ context.Context, name string) ([]registry.Address, error) {
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.reg.Members(), nil
}

// IsAuthorized reports whether addr is a member of the named registry.
func (s *Service) IsAuthorized(_ context.Context, name string, addr registry.Address) (bool, error) {
	e, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	return e.reg.IsAuthorized(addr), nil
}

// AuditTrail lists the audit events recorded for a registry.
func (s *Service) AuditTrail(ctx context.Context, name string) ([]audit.Event, error) {
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	if s.auditPublisher == nil {
		return []audit.Event{}, nil
	}
	events, err := s.auditPublisher.List(ctx, e.reg.Name())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events")
	}
	return events, nil
}

// Authorize adds addr to the named registry on behalf of the caller in ctx.
func (s *Service) Authorize(ctx context.Context, name string, addr registry.Address) (registry.Event, error) {
	return s.mutate(ctx, "authorize", name, addr, func(reg *registry.Registry, actor registry.Address) (registry.Event, error) {
		return reg.Authorize(actor, addr)
	})
}

// Deauthorize removes addr from the named registry on behalf of the caller in ctx.
func (s *Service) Deauthorize(ctx context.Context, name string, addr registry.Address) (registry.Event, error) {
	return s.mutate(ctx, "deauthorize", name, addr, func(reg *registry.Registry, actor registry.Address) (registry.Event, error) {
		return reg.Deauthorize(actor, addr)
	})
}

// TransferOwnership hands the named registry to newOwner on behalf of the caller in ctx.
func (s *Service) TransferOwnership(ctx context.Context, name string, newOwner registry.Address) (registry.Event, error) {
	return s.mutate(ctx, "transfer_ownership", name, newOwner, func(reg *registry.Registry, actor registry.Address) (registry.Event, error) {
		return reg.TransferOwnership(actor, newOwner)
	})
}

type mutation func(reg *registry.Registry, actor registry.Address) (registry.Event, error)

// mutate applies op and persists the result. If the snapshot cannot be saved
// the registry is restored to its state before op, so the call has no effect.
// Events are dispatched after the registry lock is released.
func (s *Service) mutate(ctx context.Context, op, name string, target registry.Address, apply mutation) (registry.Event, error) {
	start := time.Now()
	name = canonicalName(name)
	ctx, span := s.tracer.Start(ctx, "registry."+op, trace.WithAttributes(
		attribute.String("registry.name", name),
		attribute.String("registry.target", target.Hex()),
	))
	defer span.End()

	actor, ok := requestcontext.Actor(ctx)
	if !ok {
		err := dErrors.New(dErrors.CodeUnauthorized, "caller address is required")
		span.SetStatus(codes.Error, err.Error())
		return registry.Event{}, err
	}
	span.SetAttributes(attribute.String("registry.actor", actor.Hex()))

	e, err := s.lookup(name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return registry.Event{}, err
	}

	event, outcome, err := s.commit(ctx, op, name, e, actor, target, apply)
	s.observe(name, op, outcome, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return registry.Event{}, err
	}

	s.setMembersGauge(name, e.reg.Count())
	s.logger.InfoContext(ctx, "registry updated",
		"registry", name,
		"operation", op,
		"actor", actor.Hex(),
		"subject", event.Subject().Hex(),
		"version", event.Version,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.dispatch(ctx, event)
	return event, nil
}

// commit runs apply and Save under the entry lock. A version conflict means
// another instance wrote first: the registry is reloaded from the store and
// apply is retried once against the fresher state.
func (s *Service) commit(ctx context.Context, op, name string, e *entry, actor, target registry.Address, apply mutation) (registry.Event, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 1; ; attempt++ {
		before := e.reg.Snapshot()
		event, err := apply(e.reg, actor)
		if err != nil {
			s.rejected(ctx, op, name, actor, target, err)
			return registry.Event{}, "rejected", translate(err)
		}

		after := e.reg.Snapshot()
		err = s.store.Save(ctx, after)
		if err == nil {
			return event, "ok", nil
		}

		if rerr := e.reg.Restore(before); rerr != nil {
			s.logger.ErrorContext(ctx, "registry rollback failed",
				"registry", name,
				"error", rerr,
			)
		}
		if s.metrics != nil {
			s.metrics.IncPersistFailure(name)
		}
		s.logger.ErrorContext(ctx, "failed to persist registry",
			"registry", name,
			"operation", op,
			"attempt", attempt,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)

		conflict := errors.Is(err, sentinel.ErrConflict)
		if conflict || errors.Is(err, sentinel.ErrUnavailable) {
			if s.resync(ctx, name, e, after) {
				s.logger.WarnContext(ctx, "registry write landed despite store error",
					"registry", name,
					"version", after.Version,
				)
				return event, "ok", nil
			}
			if conflict && attempt < maxCommitAttempts {
				continue
			}
		}
		return registry.Event{}, "error", persistError(err)
	}
}

// resync replaces the in-memory registry with the stored snapshot when the
// store is not behind it. It reports whether the store holds exactly
// attempted, meaning a write reported as failed was in fact committed.
func (s *Service) resync(ctx context.Context, name string, e *entry, attempted registry.Snapshot) bool {
	stored, err := s.store.Load(ctx, name)
	if err != nil {
		s.logger.WarnContext(ctx, "registry resync failed",
			"registry", name,
			"error", err,
		)
		return false
	}
	if stored.Version < e.reg.Version() {
		return false
	}
	if err := e.reg.Restore(*stored); err != nil {
		s.logger.ErrorContext(ctx, "stored registry snapshot rejected",
			"registry", name,
			"version", stored.Version,
			"error", err,
		)
		return false
	}
	s.setMembersGauge(name, e.reg.Count())
	return stored.Version == attempted.Version &&
		stored.Owner == attempted.Owner &&
		slices.Equal(stored.Members, attempted.Members)
}

func persistError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "registry was modified concurrently")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "registry store unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist registry")
}

func (s *Service) dispatch(ctx context.Context, event registry.Event) {
	s.emitAudit(ctx, audit.Event{
		Registry: event.Registry,
		Action:   string(auditAction(event.Kind)),
		Subject:  event.Subject().Hex(),
		ActorID:  event.Actor.Hex(),
	})

	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
	defer cancel()
	if err := s.sink.Publish(ctx, event); err != nil {
		if s.metrics != nil {
			s.metrics.IncSinkFailure(event.Registry)
		}
		s.logger.WarnContext(ctx, "failed to publish registry event",
			"registry", event.Registry,
			"kind", string(event.Kind),
			"error", err,
		)
	}
}

func (s *Service) rejected(ctx context.Context, op, name string, actor, target registry.Address, err error) {
	s.logger.WarnContext(ctx, "registry mutation rejected",
		"registry", name,
		"operation", op,
		"actor", actor.Hex(),
		"target", target.Hex(),
		"reason", err.Error(),
		"request_id", requestcontext.RequestID(ctx),
	)
	if !errors.Is(err, registry.ErrUnauthorized) {
		return
	}
	s.emitAudit(ctx, audit.Event{
		Registry: name,
		Action:   string(audit.EventMutationRejected),
		Subject:  target.Hex(),
		ActorID:  actor.Hex(),
		Reason:   op + ": " + err.Error(),
	})
}

// RecordDenied audits a membership check that refused access.
func (s *Service) RecordDenied(ctx context.Context, name string, actor registry.Address) {
	s.emitAudit(ctx, audit.Event{
		Registry: canonicalName(name),
		Action:   string(audit.EventMembershipDenied),
		Subject:  actor.Hex(),
		ActorID:  actor.Hex(),
	})
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	event.ClientIP = requestcontext.ClientIP(ctx)
	event.Browser = browserName(requestcontext.UserAgent(ctx))
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"registry", event.Registry,
			"error", err,
		)
	}
}

func (s *Service) observe(name, op, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(name, op, outcome, start)
	}
}

func (s *Service) setMembersGauge(name string, count int) {
	if s.metrics != nil {
		s.metrics.SetMembers(name, count)
	}
}

func auditAction(kind registry.EventKind) audit.AuditEvent {
	switch kind {
	case registry.EventAuthorized:
		return audit.EventMemberAuthorized
	case registry.EventDeauthorized:
		return audit.EventMemberDeauthorized
	default:
		return audit.EventOwnershipTransferred
	}
}

// translate maps registry errors onto domain error codes.
func translate(err error) error {
	switch {
	case errors.Is(err, registry.ErrInvalidAddress):
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid address")
	case errors.Is(err, registry.ErrUnauthorized):
		return dErrors.Wrap(err, dErrors.CodeForbidden, "only the registry owner may do this")
	case errors.Is(err, registry.ErrAlreadyAuthorized),
		errors.Is(err, registry.ErrSameOwner),
		errors.Is(err, registry.ErrCannotRemoveOwner):
		return dErrors.Wrap(err, dErrors.CodeConflict, "registry state conflict")
	case errors.Is(err, registry.ErrNotAuthorized):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "address is not a member")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "registry operation failed")
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/registry"
	"gatekeeper/internal/registry/metrics"
	"gatekeeper/internal/registry/service/mocks"
	"gatekeeper/internal/registry/store"
	dErrors "gatekeeper/pkg/domain-errors"
	audit "gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/audit/publisher"
	auditmemory "gatekeeper/pkg/platform/audit/store/memory"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

const creators = "products.creators"

func addr(n int64) registry.Address {
	return common.BigToAddress(big.NewInt(n))
}

var (
	owner    = addr(1)
	alice    = addr(2)
	bob      = addr(3)
	stranger = addr(99)
)

func as(actor registry.Address) context.Context {
	return requestcontext.WithActor(context.Background(), actor)
}

type ServiceSuite struct {
	suite.Suite
	store      *store.InMemoryStore
	auditStore *auditmemory.InMemoryStore
	metrics    *metrics.Metrics
	svc        *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())

	svc, err := New(s.store,
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	s.Require().NoError(svc.Bootstrap(context.Background(), map[string]registry.Address{creators: owner}))
	s.svc = svc
}

func (s *ServiceSuite) TestNew() {
	s.Run("store is required", func() {
		_, err := New(nil)
		s.Error(err)
	})
}

func (s *ServiceSuite) TestBootstrap() {
	s.Run("creates and persists missing registries", func() {
		snap, err := s.store.Load(context.Background(), creators)
		s.Require().NoError(err)
		s.Equal(owner, snap.Owner)
		s.Equal([]registry.Address{owner}, snap.Members)

		events, err := s.auditStore.ListByRegistry(context.Background(), creators)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventRegistryCreated), events[0].Action)
	})

	s.Run("keeps the persisted owner of an existing registry", func() {
		_, err := s.svc.TransferOwnership(as(owner), creators, alice)
		s.Require().NoError(err)

		reloaded, err := New(s.store)
		s.Require().NoError(err)
		s.Require().NoError(reloaded.Bootstrap(context.Background(), map[string]registry.Address{creators: owner}))

		summary, err := reloaded.Describe(context.Background(), creators)
		s.Require().NoError(err)
		s.Equal(alice, summary.Owner)
		s.Equal(2, summary.Count)
	})

	s.Run("hosts several registries", func() {
		svc, err := New(store.NewInMemoryStore())
		s.Require().NoError(err)
		s.Require().NoError(svc.Bootstrap(context.Background(), map[string]registry.Address{
			"training.creators":  owner,
			"accessnft.managers": alice,
			creators:             bob,
		}))
		s.Equal([]string{"accessnft.managers", creators, "training.creators"}, svc.Names())
	})

	s.Run("zero owner fails", func() {
		svc, err := New(store.NewInMemoryStore())
		s.Require().NoError(err)
		err = svc.Bootstrap(context.Background(), map[string]registry.Address{creators: {}})
		s.ErrorIs(err, registry.ErrInvalidAddress)
	})
}

func (s *ServiceSuite) TestAuthorize() {
	s.Run("owner adds a member and the change is persisted", func() {
		event, err := s.svc.Authorize(as(owner), creators, alice)
		s.Require().NoError(err)
		s.Equal(registry.EventAuthorized, event.Kind)
		s.Equal(alice, event.Address)
		s.Equal(owner, event.Actor)

		ok, err := s.svc.IsAuthorized(context.Background(), creators, alice)
		s.Require().NoError(err)
		s.True(ok)

		snap, err := s.store.Load(context.Background(), creators)
		s.Require().NoError(err)
		s.ElementsMatch([]registry.Address{owner, alice}, snap.Members)
		s.Equal(event.Version, snap.Version)
		s.Equal(2.0, promtestutil.ToFloat64(s.metrics.Members.WithLabelValues(creators)))
	})

	s.Run("error codes", func() {
		cases := []struct {
			name  string
			actor registry.Address
			addr  registry.Address
			code  dErrors.Code
		}{
			{"non-owner is forbidden", stranger, bob, dErrors.CodeForbidden},
			{"zero address is invalid", owner, registry.ZeroAddress, dErrors.CodeValidation},
			{"duplicate conflicts", owner, alice, dErrors.CodeConflict},
		}
		for _, tc := range cases {
			s.Run(tc.name, func() {
				_, err := s.svc.Authorize(as(tc.actor), creators, tc.addr)
				s.Require().Error(err)
				s.Equal(tc.code, dErrors.CodeOf(err))
			})
		}
	})

	s.Run("missing caller is unauthorized", func() {
		_, err := s.svc.Authorize(context.Background(), creators, bob)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("unknown registry is not found", func() {
		_, err := s.svc.Authorize(as(owner), "nope", bob)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestDeauthorize() {
	_, err := s.svc.Authorize(as(owner), creators, alice)
	s.Require().NoError(err)

	s.Run("owner removes a member", func() {
		event, err := s.svc.Deauthorize(as(owner), creators, alice)
		s.Require().NoError(err)
		s.Equal(registry.EventDeauthorized, event.Kind)

		members, err := s.svc.Members(context.Background(), creators)
		s.Require().NoError(err)
		s.Equal([]registry.Address{owner}, members)
	})

	s.Run("non-member is not found", func() {
		_, err := s.svc.Deauthorize(as(owner), creators, alice)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("owner cannot be removed", func() {
		_, err := s.svc.Deauthorize(as(owner), creators, owner)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.ErrorIs(err, registry.ErrCannotRemoveOwner)
	})
}

func (s *ServiceSuite) TestTransferOwnership() {
	s.Run("new owner is added once and the old owner keeps membership", func() {
		event, err := s.svc.TransferOwnership(as(owner), creators, bob)
		s.Require().NoError(err)
		s.Equal(owner, event.PreviousOwner)
		s.Equal(bob, event.NewOwner)
		s.True(event.Added)

		summary, err := s.svc.Describe(context.Background(), creators)
		s.Require().NoError(err)
		s.Equal(bob, summary.Owner)
		s.Equal(2, summary.Count)

		_, err = s.svc.Authorize(as(owner), creators, alice)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("same owner conflicts", func() {
		_, err := s.svc.TransferOwnership(as(bob), creators, bob)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestAuditTrail() {
	_, err := s.svc.Authorize(as(owner), creators, alice)
	s.Require().NoError(err)
	_, err = s.svc.Authorize(as(stranger), creators, bob)
	s.Require().Error(err)

	events, err := s.svc.AuditTrail(context.Background(), creators)
	s.Require().NoError(err)

	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	s.Equal([]string{
		string(audit.EventRegistryCreated),
		string(audit.EventMemberAuthorized),
		string(audit.EventMutationRejected),
	}, actions)
	s.Equal(audit.CategorySecurity, events[1].Category)
	s.Equal(alice.Hex(), events[1].Subject)
	s.Equal(owner.Hex(), events[1].ActorID)
	s.Equal(stranger.Hex(), events[2].ActorID)

	_, err = s.svc.AuditTrail(context.Background(), "nope")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestRegistryNamesIgnoreCase() {
	_, err := s.svc.Authorize(as(owner), "Products.Creators", alice)
	s.Require().NoError(err)

	summary, err := s.svc.Describe(context.Background(), " PRODUCTS.creators")
	s.Require().NoError(err)
	s.Equal(creators, summary.Name)

	ok, err := s.svc.IsAuthorized(context.Background(), "products.CREATORS", alice)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *ServiceSuite) TestConcurrentMutations() {
	const n = 32
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, err := s.svc.Authorize(as(owner), creators, addr(int64(100+i)))
			s.NoError(err)
		})
	}
	wg.Wait()

	summary, err := s.svc.Describe(context.Background(), creators)
	s.Require().NoError(err)
	s.Equal(n+1, summary.Count)
	s.Equal(uint64(n), summary.Version)

	snap, err := s.store.Load(context.Background(), creators)
	s.Require().NoError(err)
	s.Equal(summary.Version, snap.Version)
}

func bootstrapWithMocks(t *testing.T, st *mocks.MockStore, opts ...Option) *Service {
	t.Helper()
	st.EXPECT().Load(gomock.Any(), creators).Return(nil, sentinel.ErrNotFound)
	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	svc, err := New(st, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Bootstrap(context.Background(), map[string]registry.Address{creators: owner}))
	return svc
}

func TestPersistFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	sink := mocks.NewMockEventSink(ctrl)
	m := metrics.New(prometheus.NewRegistry())
	svc := bootstrapWithMocks(t, st, WithEventSink(sink), WithMetrics(m))

	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
	sink.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	_, err := svc.Authorize(as(owner), creators, alice)
	require.Error(t, err)
	require.True(t, dErrors.HasCode(err, dErrors.CodeInternal))

	ok, err := svc.IsAuthorized(context.Background(), creators, alice)
	require.NoError(t, err)
	require.False(t, ok)

	summary, err := svc.Describe(context.Background(), creators)
	require.NoError(t, err)
	require.Equal(t, uint64(0), summary.Version)
	require.Equal(t, 1.0, promtestutil.ToFloat64(m.PersistFailures.WithLabelValues(creators)))
}

func TestPersistConflictRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	svc := bootstrapWithMocks(t, st)

	// The store keeps reporting a conflict without moving ahead, so the single
	// retry fails the same way.
	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict).Times(2)
	st.EXPECT().Load(gomock.Any(), creators).Return(&registry.Snapshot{
		Name:    creators,
		Owner:   owner,
		Members: []registry.Address{owner},
	}, nil).Times(2)

	_, err := svc.TransferOwnership(as(owner), creators, bob)
	require.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

	summary, err := svc.Describe(context.Background(), creators)
	require.NoError(t, err)
	require.Equal(t, owner, summary.Owner)
	require.Equal(t, 1, summary.Count)
}

func TestSinkFailureDoesNotFailMutation(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	sink := mocks.NewMockEventSink(ctrl)
	m := metrics.New(prometheus.NewRegistry())
	svc := bootstrapWithMocks(t, st, WithEventSink(sink), WithMetrics(m))

	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
	sink.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, event registry.Event) error {
			require.Equal(t, alice, event.Address)
			return errors.New("broker down")
		})

	_, err := svc.Authorize(as(owner), creators, alice)
	require.NoError(t, err)
	require.Equal(t, 1.0, promtestutil.ToFloat64(m.SinkFailures.WithLabelValues(creators)))
}

func TestAuditEnrichment(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	pub := mocks.NewMockAuditPublisher(ctrl)

	pub.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil) // registry_created
	svc := bootstrapWithMocks(t, st, WithAuditPublisher(pub))

	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
	pub.EXPECT().
		Emit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, event audit.Event) error {
			require.Equal(t, string(audit.EventMemberAuthorized), event.Action)
			require.Equal(t, "req-1", event.RequestID)
			require.Equal(t, "10.0.0.7", event.ClientIP)
			require.Contains(t, event.Browser, "Firefox")
			return nil
		})

	ctx := as(owner)
	ctx = requestcontext.WithRequestID(ctx, "req-1")
	ctx = requestcontext.WithClientMetadata(ctx, "10.0.0.7",
		"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")
	_, err := svc.Authorize(ctx, creators, alice)
	require.NoError(t, err)
}

func TestBootstrapLoadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().Load(gomock.Any(), creators).Return(nil, sentinel.ErrUnavailable)

	svc, err := New(st)
	require.NoError(t, err)
	err = svc.Bootstrap(context.Background(), map[string]registry.Address{creators: owner})
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	require.Empty(t, svc.Names())
}

func TestPersistUnavailableRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	svc := bootstrapWithMocks(t, st)

	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(fmt.Errorf("save registry snapshot: %w: %w", sentinel.ErrUnavailable, errors.New("dial tcp: refused")))
	st.EXPECT().Load(gomock.Any(), creators).Return(nil, sentinel.ErrUnavailable)

	_, err := svc.Authorize(as(owner), creators, alice)
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))

	ok, err := svc.IsAuthorized(context.Background(), creators, alice)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnavailableWriteThatLandedSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	sink := mocks.NewMockEventSink(ctrl)
	svc := bootstrapWithMocks(t, st, WithEventSink(sink))

	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(fmt.Errorf("save registry snapshot: %w: %w", sentinel.ErrUnavailable, context.DeadlineExceeded))
	st.EXPECT().Load(gomock.Any(), creators).Return(&registry.Snapshot{
		Name:    creators,
		Owner:   owner,
		Members: []registry.Address{owner, alice},
		Version: 1,
	}, nil)
	sink.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	event, err := svc.Authorize(as(owner), creators, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1), event.Version)

	ok, err := svc.IsAuthorized(context.Background(), creators, alice)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInstancesSharingAStore(t *testing.T) {
	shared := store.NewInMemoryStore()
	owners := map[string]registry.Address{creators: owner}

	a, err := New(shared)
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(context.Background(), owners))
	b, err := New(shared)
	require.NoError(t, err)
	require.NoError(t, b.Bootstrap(context.Background(), owners))

	_, err = a.Authorize(as(owner), creators, alice)
	require.NoError(t, err)

	t.Run("stale instance catches up and applies its write", func(t *testing.T) {
		for i := range 3 {
			_, err := b.Authorize(as(owner), creators, addr(int64(200+i)))
			require.NoError(t, err)
		}
		ok, err := b.IsAuthorized(context.Background(), creators, alice)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("retry is checked against the fresher state", func(t *testing.T) {
		// a has not seen b's writes yet.
		_, err := a.Authorize(as(owner), creators, addr(200))
		require.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		summary, err := a.Describe(context.Background(), creators)
		require.NoError(t, err)
		require.Equal(t, uint64(4), summary.Version)
		require.Equal(t, 5, summary.Count)
	})

	snap, err := shared.Load(context.Background(), creators)
	require.NoError(t, err)
	require.Equal(t, uint64(4), snap.Version)
	require.Len(t, snap.Members, 5)
}

// stallingSink holds its first Publish until release is closed.
type stallingSink struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *stallingSink) Publish(ctx context.Context, _ registry.Event) error {
	if s.calls.Add(1) > 1 {
		return nil
	}
	close(s.entered)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowSinkDoesNotBlockOtherMutations(t *testing.T) {
	sink := &stallingSink{entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := New(store.NewInMemoryStore(), WithEventSink(sink), WithSinkTimeout(time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.Bootstrap(context.Background(), map[string]registry.Address{creators: owner}))

	first := make(chan error, 1)
	go func() {
		_, err := svc.Authorize(as(owner), creators, alice)
		first <- err
	}()
	<-sink.entered

	second := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(as(owner), 500*time.Millisecond)
		defer cancel()
		_, err := svc.Authorize(ctx, creators, bob)
		second <- err
	}()
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mutation blocked behind a stalled sink")
	}

	close(sink.release)
	require.NoError(t, <-first)
}

func TestSinkTimeoutBoundsPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	sink := mocks.NewMockEventSink(ctrl)
	m := metrics.New(prometheus.NewRegistry())
	svc := bootstrapWithMocks(t, st, WithEventSink(sink), WithMetrics(m), WithSinkTimeout(20*time.Millisecond))

	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
	sink.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ registry.Event) error {
			<-ctx.Done()
			return ctx.Err()
		})

	_, err := svc.Authorize(as(owner), creators, alice)
	require.NoError(t, err)
	require.Equal(t, 1.0, promtestutil.ToFloat64(m.SinkFailures.WithLabelValues(creators)))
}

package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/sentinel"
)

type snapshotStore interface {
	Load(ctx context.Context, name string) (*registry.Snapshot, error)
	Save(ctx context.Context, snap registry.Snapshot) error
	Health(ctx context.Context) error
}

// StoreContractSuite is shared by every backend so they agree on not-found,
// round-trip and version-conflict behavior.
type StoreContractSuite struct {
	suite.Suite
	newStore func() snapshotStore
	store    snapshotStore
	ctx      context.Context
}

func (s *StoreContractSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
}

func testAddr(n int) registry.Address {
	return common.BigToAddress(big.NewInt(int64(n)))
}

func testSnapshot(name string, version uint64, members ...registry.Address) registry.Snapshot {
	return registry.Snapshot{
		Name:      name,
		Owner:     members[0],
		Members:   members,
		Version:   version,
		UpdatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *StoreContractSuite) TestLoadMissing() {
	_, err := s.store.Load(s.ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreContractSuite) TestRoundTrip() {
	snap := testSnapshot("products.creators", 0, testAddr(1), testAddr(3), testAddr(2))
	s.Require().NoError(s.store.Save(s.ctx, snap))

	got, err := s.store.Load(s.ctx, "products.creators")
	s.Require().NoError(err)
	s.Equal(snap.Name, got.Name)
	s.Equal(snap.Owner, got.Owner)
	s.Equal(snap.Members, got.Members, "member order is preserved")
	s.Equal(snap.Version, got.Version)
	s.True(snap.UpdatedAt.Equal(got.UpdatedAt))
}

func (s *StoreContractSuite) TestVersionGuard() {
	s.Require().NoError(s.store.Save(s.ctx, testSnapshot("accessnft.managers", 0, testAddr(1))))

	s.Run("newer version replaces", func() {
		s.Require().NoError(s.store.Save(s.ctx, testSnapshot("accessnft.managers", 1, testAddr(1), testAddr(2))))
		got, err := s.store.Load(s.ctx, "accessnft.managers")
		s.Require().NoError(err)
		s.Equal(uint64(1), got.Version)
		s.Len(got.Members, 2)
	})

	s.Run("same or older version conflicts", func() {
		err := s.store.Save(s.ctx, testSnapshot("accessnft.managers", 1, testAddr(1)))
		s.ErrorIs(err, sentinel.ErrConflict)
		err = s.store.Save(s.ctx, testSnapshot("accessnft.managers", 0, testAddr(1)))
		s.ErrorIs(err, sentinel.ErrConflict)

		got, err := s.store.Load(s.ctx, "accessnft.managers")
		s.Require().NoError(err)
		s.Len(got.Members, 2)
	})
}

func (s *StoreContractSuite) TestLoadedSnapshotIsDetached() {
	s.Require().NoError(s.store.Save(s.ctx, testSnapshot("training.creators", 0, testAddr(1), testAddr(2))))
	got, err := s.store.Load(s.ctx, "training.creators")
	s.Require().NoError(err)
	got.Members[1] = testAddr(99)

	again, err := s.store.Load(s.ctx, "training.creators")
	s.Require().NoError(err)
	s.Equal(testAddr(2), again.Members[1])
}

func (s *StoreContractSuite) TestHealth() {
	s.NoError(s.store.Health(s.ctx))
}

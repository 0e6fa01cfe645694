package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/sentinel"
)

// DefaultTable is the snapshot table used when no table is configured.
const DefaultTable = "registry_snapshots"

// PostgresStore persists snapshots in PostgreSQL, one row per registry.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTable overrides the snapshot table name.
func WithTable(name string) PostgresOption {
	return func(s *PostgresStore) {
		if name != "" {
			s.table = name
		}
	}
}

// NewPostgres constructs a PostgreSQL-backed snapshot store.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{pool: pool, table: DefaultTable}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

// Migrate creates the snapshot table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name       TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			members    TEXT[] NOT NULL,
			version    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.quotedTable())
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate registry snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, name string) (*registry.Snapshot, error) {
	query := fmt.Sprintf(`SELECT owner, members, version, updated_at FROM %s WHERE name = $1`, s.quotedTable())

	var (
		owner     string
		members   []string
		version   int64
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, query, name).Scan(&owner, &members, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("load registry snapshot: %w", err)
	}

	snap := &registry.Snapshot{
		Name:      name,
		Version:   uint64(version),
		UpdatedAt: updatedAt,
	}
	if snap.Owner, err = registry.ParseAddress(owner); err != nil {
		return nil, fmt.Errorf("load registry snapshot %q owner: %w", name, err)
	}
	snap.Members = make([]registry.Address, 0, len(members))
	for _, m := range members {
		a, err := registry.ParseAddress(m)
		if err != nil {
			return nil, fmt.Errorf("load registry snapshot %q member: %w", name, err)
		}
		snap.Members = append(snap.Members, a)
	}
	return snap, nil
}

// Save upserts the snapshot. The row is only replaced when the incoming
// version is strictly newer; otherwise sentinel.ErrConflict is returned.
func (s *PostgresStore) Save(ctx context.Context, snap registry.Snapshot) error {
	members := make([]string, len(snap.Members))
	for i, m := range snap.Members {
		members[i] = m.Hex()
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name, owner, members, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			members = EXCLUDED.members,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE %[1]s.version < EXCLUDED.version
	`, s.quotedTable())

	tag, err := s.pool.Exec(ctx, query, snap.Name, snap.Owner.Hex(), members, int64(snap.Version), snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save registry snapshot: %w: %w", sentinel.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry %q version %d is not newer than stored: %w",
			snap.Name, snap.Version, sentinel.ErrConflict)
	}
	return nil
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

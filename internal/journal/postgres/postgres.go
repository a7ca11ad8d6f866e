// Package postgres implements [journal.Store] on a PostgreSQL
// classifications table.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Insert(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/neigh/internal/journal"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

var _ journal.Store = (*Store)(nil)

const ddlClassifications = `
CREATE TABLE IF NOT EXISTS classifications (
    id              BIGSERIAL         PRIMARY KEY,
    classified_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    label           TEXT              NOT NULL,
    raw_duration_ns BIGINT            NOT NULL DEFAULT 0,
    forced          BOOLEAN           NOT NULL DEFAULT false,
    volume          DOUBLE PRECISION  NOT NULL DEFAULT 0,
    intensity       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    recent_count    INTEGER           NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_classifications_label_time
    ON classifications (label, classified_at);
`

// Migrate creates the classifications table and its index if they do not
// exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlClassifications); err != nil {
		return fmt.Errorf("postgres journal: migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed journal. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Insert implements [journal.Store].
func (s *Store) Insert(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO classifications
		    (classified_at, label, raw_duration_ns, forced, volume, intensity, recent_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		e.At,
		string(e.Label),
		e.RawDuration.Nanoseconds(),
		e.Forced,
		e.Volume,
		e.Intensity,
		e.RecentCount,
	)
	if err != nil {
		return fmt.Errorf("postgres journal: insert: %w", err)
	}
	return nil
}

// Since implements [journal.Store].
func (s *Store) Since(ctx context.Context, label classifier.Label, t time.Time) ([]journal.Entry, error) {
	const q = `
		SELECT classified_at, label, raw_duration_ns, forced, volume, intensity, recent_count
		FROM   classifications
		WHERE  classified_at >= $1
		  AND  ($2::text = '' OR label = $2::text)
		ORDER  BY classified_at, id`

	rows, err := s.pool.Query(ctx, q, t, string(label))
	if err != nil {
		return nil, fmt.Errorf("postgres journal: since: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e     journal.Entry
			label string
			rawNS int64
		)
		if err := row.Scan(&e.At, &label, &rawNS, &e.Forced, &e.Volume, &e.Intensity, &e.RecentCount); err != nil {
			return journal.Entry{}, err
		}
		e.Label = classifier.Label(label)
		e.RawDuration = time.Duration(rawNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres journal: scan: %w", err)
	}
	return entries, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [journal.Store].
func (s *Store) Close() {
	s.pool.Close()
}

package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore is the multi-instance Store backend for deployments where
// several detect.Server processes share classification state through
// one Postgres database.
type PgxStore struct {
	pool *pgxpool.Pool
}

// OpenPgxStore connects to dsn and ensures the nat_records table
// exists.
func OpenPgxStore(ctx context.Context, dsn string) (*PgxStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("detect: connect postgres: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS nat_records (
		name TEXT PRIMARY KEY,
		min_src_port INTEGER NOT NULL,
		max_src_port INTEGER NOT NULL,
		last_seen_on_a INTEGER NOT NULL,
		last_seen_on_a_at TIMESTAMPTZ,
		last_seen_on_b INTEGER NOT NULL,
		last_seen_on_b_at TIMESTAMPTZ,
		full_cone BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("detect: create nat_records table: %w", err)
	}
	return &PgxStore{pool: pool}, nil
}

func (s *PgxStore) Get(name string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var rec Record
	row := s.pool.QueryRow(ctx, `SELECT name, min_src_port, max_src_port,
		last_seen_on_a, last_seen_on_a_at, last_seen_on_b, last_seen_on_b_at,
		full_cone, updated_at FROM nat_records WHERE name = $1`, name)
	err := row.Scan(&rec.Name, &rec.MinSrcPort, &rec.MaxSrcPort,
		&rec.LastSeenOnA, &rec.LastSeenOnAAt, &rec.LastSeenOnB, &rec.LastSeenOnBAt,
		&rec.FullCone, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("detect: pgx get %q: %w", name, err)
	}
	return rec, true, nil
}

func (s *PgxStore) Put(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `INSERT INTO nat_records
		(name, min_src_port, max_src_port, last_seen_on_a, last_seen_on_a_at,
		 last_seen_on_b, last_seen_on_b_at, full_cone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			min_src_port = EXCLUDED.min_src_port,
			max_src_port = EXCLUDED.max_src_port,
			last_seen_on_a = EXCLUDED.last_seen_on_a,
			last_seen_on_a_at = EXCLUDED.last_seen_on_a_at,
			last_seen_on_b = EXCLUDED.last_seen_on_b,
			last_seen_on_b_at = EXCLUDED.last_seen_on_b_at,
			full_cone = EXCLUDED.full_cone,
			updated_at = EXCLUDED.updated_at`,
		rec.Name, rec.MinSrcPort, rec.MaxSrcPort, rec.LastSeenOnA, rec.LastSeenOnAAt,
		rec.LastSeenOnB, rec.LastSeenOnBAt, rec.FullCone, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("detect: pgx put %q: %w", rec.Name, err)
	}
	return nil
}

func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}

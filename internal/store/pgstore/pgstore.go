package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/datallboy/songq/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS download_snapshots (
    slot     SMALLINT PRIMARY KEY CHECK (slot = 1),
    data     BYTEA NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store keeps the download snapshot in postgres, for deployments where the
// daemon's data dir is not durable.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO download_snapshots (slot, data, saved_at) VALUES (1, $1, now())
		ON CONFLICT (slot) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`, data)
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM download_snapshots WHERE slot = 1").Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/datallboy/songq/internal/domain"
)

// SaveSnapshot replaces the single stored snapshot.
func (s *PersistentStore) SaveSnapshot(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_snapshots (slot, data, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		data, time.Now().UnixMilli())
	return err
}

func (s *PersistentStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM download_snapshots WHERE slot = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

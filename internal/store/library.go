package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datallboy/songq/internal/domain"
)

// Put writes the payload file and upserts its metadata row. Storing an id
// twice replaces the earlier song.
func (s *PersistentStore) Put(ctx context.Context, song *domain.Song) error {
	if song.ID == "" {
		return fmt.Errorf("song has no id")
	}

	var previous string
	err := s.db.QueryRowContext(ctx, "SELECT blob_name FROM library_songs WHERE id = ?", song.ID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up song %s: %w", song.ID, err)
	}

	var dbo songDBO
	dbo.FromDomain(song, blobName(song.ID, song.ContentType))

	if err := writeBlob(filepath.Join(s.blobDir, dbo.BlobName), song.Payload); err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO library_songs (id, name, artist, source, content_type, byte_size, blob_name, stored_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		dbo.ID,
		dbo.Name,
		dbo.Artist,
		dbo.Source,
		dbo.ContentType,
		dbo.ByteSize,
		dbo.BlobName,
		dbo.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save song %s: %w", song.ID, err)
	}

	// A new content type means a new file name; drop the stale payload
	if previous != "" && previous != dbo.BlobName {
		os.Remove(filepath.Join(s.blobDir, previous))
	}
	return nil
}

// GetSong returns the song with its payload, or domain.ErrNotFound.
func (s *PersistentStore) GetSong(ctx context.Context, id string) (*domain.Song, error) {
	var dbo songDBO
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, artist, source, content_type, byte_size, blob_name, stored_at
		FROM library_songs WHERE id = ?`, id).Scan(
		&dbo.ID, &dbo.Name, &dbo.Artist, &dbo.Source, &dbo.ContentType, &dbo.ByteSize, &dbo.BlobName, &dbo.StoredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	song := dbo.ToDomain()
	song.Payload, err = os.ReadFile(filepath.Join(s.blobDir, dbo.BlobName))
	if err != nil {
		return nil, fmt.Errorf("failed to read payload for %s: %w", id, err)
	}
	return song, nil
}

// ListSongs returns library metadata, most recently stored first.
func (s *PersistentStore) ListSongs(ctx context.Context) ([]*domain.Song, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, artist, source, content_type, byte_size, blob_name, stored_at
		FROM library_songs ORDER BY stored_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	songs := make([]*domain.Song, 0)
	for rows.Next() {
		var dbo songDBO
		if err := rows.Scan(&dbo.ID, &dbo.Name, &dbo.Artist, &dbo.Source, &dbo.ContentType, &dbo.ByteSize, &dbo.BlobName, &dbo.StoredAt); err != nil {
			return nil, err
		}
		songs = append(songs, dbo.ToDomain())
	}
	return songs, rows.Err()
}

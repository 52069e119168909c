package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/datallboy/songq/internal/domain"
)

// songDBO maps to the library_songs table
type songDBO struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Artist      string         `db:"artist"`
	Source      sql.NullString `db:"source"`
	ContentType string         `db:"content_type"`
	ByteSize    int64          `db:"byte_size"`
	BlobName    string         `db:"blob_name"`
	StoredAt    int64          `db:"stored_at"`
}

// Mapper: DBO to Domain Song, without payload
func (r *songDBO) ToDomain() *domain.Song {
	song := &domain.Song{
		ID:          r.ID,
		Name:        r.Name,
		Artist:      r.Artist,
		ContentType: r.ContentType,
		Size:        r.ByteSize,
		StoredAt:    time.UnixMilli(r.StoredAt),
	}
	if r.Source.Valid {
		song.Source = json.RawMessage(r.Source.String)
	}
	return song
}

// Mapper: Domain Song to DBO
func (r *songDBO) FromDomain(song *domain.Song, blobName string) {
	r.ID = song.ID
	r.Name = song.Name
	r.Artist = song.Artist
	r.Source = sql.NullString{String: string(song.Source), Valid: len(song.Source) > 0}
	r.ContentType = song.ContentType
	r.ByteSize = int64(len(song.Payload))
	r.BlobName = blobName

	stored := song.StoredAt
	if stored.IsZero() {
		stored = time.Now()
	}
	r.StoredAt = stored.UnixMilli()
}

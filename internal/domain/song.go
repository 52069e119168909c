package domain

import (
	"encoding/json"
	"time"
)

// Song is a completed payload handed to the local library. Payload is only
// populated when the song is read back explicitly.
type Song struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Artist      string          `json:"artist"`
	Source      json.RawMessage `json:"source,omitempty"`
	ContentType string          `json:"content_type"`
	Size        int64           `json:"size"`
	Payload     []byte          `json:"-"`
	StoredAt    time.Time       `json:"stored_at"`
}

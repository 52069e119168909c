package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the durable form of the completed and failed lists.
// Queued and active items are never part of it.
type Snapshot struct {
	ID        string          `json:"id"`
	SavedAt   time.Time       `json:"saved_at"`
	Completed []*DownloadItem `json:"completed"`
	Failed    []*DownloadItem `json:"failed"`
}

func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses snapshot bytes and drops entries that could not
// have been produced by a save (wrong status, missing id).
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	snap.Completed = keepStatus(snap.Completed, StatusCompleted)
	snap.Failed = keepStatus(snap.Failed, StatusFailed)
	return &snap, nil
}

func keepStatus(items []*DownloadItem, status Status) []*DownloadItem {
	kept := items[:0]
	for _, it := range items {
		if it == nil || it.ID == "" || it.Status != status {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

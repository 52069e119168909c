package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type FailureReason string

const (
	ReasonResolution FailureReason = "resolution_error"
	ReasonTimeout    FailureReason = "timeout"
	ReasonNetwork    FailureReason = "network_error"
	ReasonHTTP       FailureReason = "http_error"
	ReasonCancelled  FailureReason = "cancelled"
)

// Request is what a caller submits to the queue.
type Request struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Artist string          `json:"artist"`
	Source json.RawMessage `json:"source"`
}

// DownloadItem is one requested transfer of a song.
// Source is consumed only by the resource locator.
type DownloadItem struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Artist string          `json:"artist"`
	Source json.RawMessage `json:"source,omitempty"`

	Status        Status `json:"status"`
	Progress      int    `json:"progress"`
	ByteSize      int64  `json:"byte_size"`
	BytesReceived int64  `json:"bytes_received"`

	AddedAt    time.Time  `json:"added_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
}

// Progress is a single byte-progress observation made by a transfer.
type Progress struct {
	Percent       int
	BytesReceived int64
	ByteSize      int64
}

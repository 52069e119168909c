package domain

import "time"

type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventAdmitted  EventKind = "admitted"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRemoved   EventKind = "removed"
	EventRetried   EventKind = "retried"
)

// Event is emitted to progress sinks on every reportable transition.
type Event struct {
	ID            string        `json:"event_id"`
	Kind          EventKind     `json:"kind"`
	ItemID        string        `json:"id"`
	Status        Status        `json:"status"`
	Progress      int           `json:"progress"`
	ByteSize      int64         `json:"byte_size"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	At            time.Time     `json:"at"`
}

package engine

import (
	"context"
	"encoding/json"

	"github.com/datallboy/songq/internal/domain"
)

// Locator turns an opaque source descriptor into a streamable URL.
type Locator interface {
	Resolve(ctx context.Context, source json.RawMessage) (string, error)
}

// Library persists completed payloads. Put must overwrite an existing id.
type Library interface {
	Put(ctx context.Context, song *domain.Song) error
}

// SnapshotStore keeps the last serialized snapshot. LoadSnapshot returns
// domain.ErrNoSnapshot when nothing was saved yet.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, data []byte) error
	LoadSnapshot(ctx context.Context) ([]byte, error)
}

// Sink receives transition events. Notify must not block on the queue.
type Sink interface {
	Notify(e domain.Event)
}

// RunRef identifies one admission of an item. An item that is retried gets
// a new run, so reports from an earlier run can be told apart.
type RunRef struct {
	ID  string
	Run uint64
}

// Reporter is how a running transfer hands results back to the queue.
type Reporter interface {
	ReportProgress(ref RunRef, p domain.Progress)
	ReportCompleted(ref RunRef)
	ReportFailed(ref RunRef, reason domain.FailureReason, detail string)
}

// Job is a copy of the item taken at admission time.
type Job struct {
	Ref  RunRef
	Item domain.DownloadItem
}

// Transferer executes one job and ends with exactly one of
// ReportCompleted or ReportFailed.
type Transferer interface {
	Run(ctx context.Context, job Job, r Reporter)
}

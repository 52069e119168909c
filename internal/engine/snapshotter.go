package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/songq/internal/domain"
	"github.com/datallboy/songq/internal/infra/logger"
)

// Snapshotter persists the completed and failed lists on an interval and
// shortly after each terminal change, and restores them on startup.
type Snapshotter struct {
	manager  *Manager
	store    SnapshotStore
	interval time.Duration
	log      *logger.Logger

	trigger chan struct{}
}

func NewSnapshotter(m *Manager, store SnapshotStore, interval time.Duration, log *logger.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Snapshotter{
		manager:  m,
		store:    store,
		interval: interval,
		log:      log.With("snapshot"),
		trigger:  make(chan struct{}, 1),
	}
}

// Restore seeds the manager from the stored snapshot. A missing, unreadable
// or malformed snapshot seeds nothing; it is never an error.
func (s *Snapshotter) Restore(ctx context.Context) int {
	data, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNoSnapshot) {
			s.log.Warn("Could not read snapshot, starting empty: %v", err)
		}
		return 0
	}

	snap, err := domain.DecodeSnapshot(data)
	if err != nil {
		s.log.Warn("Ignoring malformed snapshot: %v", err)
		return 0
	}

	n := s.manager.Restore(snap)
	s.log.Info("Restored %d downloads (%d completed, %d failed)", n, len(snap.Completed), len(snap.Failed))
	return n
}

// Save writes the current terminal lists, replacing the previous snapshot.
func (s *Snapshotter) Save(ctx context.Context) error {
	snap := s.manager.Snapshot()
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.store.SaveSnapshot(ctx, data); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.ID, err)
	}
	s.log.Debug("Saved snapshot %s (%d completed, %d failed)", snap.ID, len(snap.Completed), len(snap.Failed))
	return nil
}

// Trigger requests a save without blocking. Requests made while one is
// already pending are merged.
func (s *Snapshotter) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// Save already pending
	}
}

// Notify lets the snapshotter be attached to a Broadcaster: any change to
// the terminal lists schedules a save.
func (s *Snapshotter) Notify(e domain.Event) {
	switch e.Kind {
	case domain.EventCompleted, domain.EventFailed, domain.EventRemoved, domain.EventRetried:
		s.Trigger()
	}
}

// Run saves on every tick and trigger until ctx is done, then makes a final
// save.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.saveLogged(ctx)
		case <-s.trigger:
			s.saveLogged(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.saveLogged(final)
			cancel()
			return
		}
	}
}

func (s *Snapshotter) saveLogged(ctx context.Context) {
	if err := s.Save(ctx); err != nil {
		s.log.Error("%v", err)
	}
}

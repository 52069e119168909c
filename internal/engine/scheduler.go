package engine

import "github.com/datallboy/songq/internal/domain"

// schedule fills free slots from the head of the queue. It runs with mu
// held, at the end of every mutation, so a freed slot is refilled before
// the caller that freed it gets control back.
func (m *Manager) schedule() {
	if m.closed {
		return
	}

	for m.active < m.maxConcurrent {
		next := m.nextQueued()
		if next == nil {
			return
		}
		m.admit(next)
	}
}

// nextQueued returns the oldest queued entry.
func (m *Manager) nextQueued() *entry {
	var next *entry
	for _, e := range m.items {
		if e.item.Status != domain.StatusQueued {
			continue
		}
		if next == nil || e.seq < next.seq {
			next = e
		}
	}
	return next
}

// admit marks e active and starts its transfer without blocking.
func (m *Manager) admit(e *entry) {
	now := m.now()
	m.run++

	ctx, cancel := m.runContext(m.baseCtx)
	e.run = m.run
	e.cancel = cancel
	e.item.Status = domain.StatusActive
	e.item.StartedAt = &now
	e.item.Progress = 0
	e.item.BytesReceived = 0
	m.active++

	m.emit(domain.EventAdmitted, e)
	m.log.Info("Starting download %s (%s - %s)", e.item.ID, e.item.Artist, e.item.Name)

	job := Job{Ref: RunRef{ID: e.item.ID, Run: e.run}, Item: e.item}
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.transfer.Run(ctx, job, m)
	}()
}

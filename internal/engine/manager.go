package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/songq/internal/domain"
	"github.com/datallboy/songq/internal/infra/logger"
	"github.com/segmentio/ksuid"
)

// entry is the single record held for an id. Status lives on the item, so
// an id can never sit in two lists at once.
type entry struct {
	item domain.DownloadItem

	// seq orders queued items (ascending) and terminal items (descending)
	seq uint64
	run uint64

	// cancel is the cancellation handle, set only while active
	cancel context.CancelFunc
}

// Manager owns the download queue: admission, removal, retry and the
// transitions reported by running transfers.
type Manager struct {
	mu            sync.Mutex
	items         map[string]*entry
	maxConcurrent int
	active        int
	seq           uint64
	run           uint64
	closed        bool

	transfer Transferer
	sink     Sink
	log      *logger.Logger
	now      func() time.Time

	baseCtx    context.Context
	stop       context.CancelFunc
	runContext func(context.Context) (context.Context, context.CancelFunc)
	workers    sync.WaitGroup

	// pending events are collected under mu and delivered after it is
	// released; dispatchMu keeps delivery in mutation order
	pending    []domain.Event
	dispatchMu sync.Mutex
}

// NewManager initializes an empty queue. sink may be nil.
func NewManager(transfer Transferer, sink Sink, maxConcurrent int, log *logger.Logger) *Manager {
	if maxConcurrent < 1 {
		panic(fmt.Errorf("%w: %d", domain.ErrInvalidConcurrency, maxConcurrent))
	}
	if log == nil {
		log = logger.Discard()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		items:         make(map[string]*entry),
		maxConcurrent: maxConcurrent,
		transfer:      transfer,
		sink:          sink,
		log:           log.With("queue"),
		now:           time.Now,
		baseCtx:       ctx,
		stop:          stop,
		runContext:    context.WithCancel,
	}
}

// Enqueue adds a request to the tail of the queue. Submitting an id that is
// already queued or active is a no-op and returns the existing item with
// added=false. An id held in completed or failed is replaced by a fresh
// queued item.
func (m *Manager) Enqueue(req domain.Request) (domain.DownloadItem, bool, error) {
	if req.ID == "" {
		return domain.DownloadItem{}, false, domain.ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.unlockAndDispatch()

	if m.closed {
		return domain.DownloadItem{}, false, domain.ErrClosed
	}

	if e, ok := m.items[req.ID]; ok && !e.item.Status.Terminal() {
		return e.item, false, nil
	}

	m.seq++
	e := &entry{
		seq: m.seq,
		item: domain.DownloadItem{
			ID:      req.ID,
			Name:    req.Name,
			Artist:  req.Artist,
			Source:  req.Source,
			Status:  domain.StatusQueued,
			AddedAt: m.now(),
		},
	}
	m.items[req.ID] = e
	m.emit(domain.EventEnqueued, e)
	m.log.Debug("Enqueued %s (%s - %s)", req.ID, req.Artist, req.Name)

	m.schedule()
	return e.item, true, nil
}

// Remove drops the item from whichever list holds it. An active transfer is
// cancelled first and the item is discarded, it does not land in failed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	e, ok := m.items[id]
	if !ok {
		return false
	}

	if e.item.Status == domain.StatusActive {
		e.cancel()
		e.cancel = nil
		m.active--
		m.log.Info("Cancelled active download %s", id)
	}

	delete(m.items, id)
	m.emit(domain.EventRemoved, e)

	m.schedule()
	return true
}

// Retry moves a failed item back to the tail of the queue. It panics when
// the item is not failed; callers holding untrusted ids use TryRetry.
func (m *Manager) Retry(id string) {
	if err := m.TryRetry(id); err != nil {
		panic(fmt.Errorf("retry %s: %w", id, err))
	}
}

// TryRetry is Retry returning domain.ErrNotFound or domain.ErrNotFailed
// instead of panicking.
func (m *Manager) TryRetry(id string) error {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	e, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.item.Status != domain.StatusFailed {
		return domain.ErrNotFailed
	}

	m.seq++
	e.seq = m.seq
	e.item.Status = domain.StatusQueued
	e.item.Progress = 0
	e.item.BytesReceived = 0
	e.item.StartedAt = nil
	e.item.FinishedAt = nil
	e.item.FailureReason = ""
	e.item.FailureDetail = ""
	e.item.AddedAt = m.now()
	m.emit(domain.EventRetried, e)

	m.schedule()
	return nil
}

// SetMaxConcurrent changes the ceiling. Active transfers above a lowered
// ceiling keep running; a raised ceiling is filled immediately.
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		panic(fmt.Errorf("%w: %d", domain.ErrInvalidConcurrency, n))
	}

	m.mu.Lock()
	defer m.unlockAndDispatch()

	if n != m.maxConcurrent {
		m.log.Info("Max concurrent downloads %d -> %d", m.maxConcurrent, n)
	}
	m.maxConcurrent = n
	m.schedule()
}

func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// ReportProgress records byte progress for an active run. Reports from a
// stale run and decreasing percentages are ignored.
func (m *Manager) ReportProgress(ref RunRef, p domain.Progress) {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	e := m.current(ref)
	if e == nil {
		return
	}

	if p.ByteSize > 0 {
		e.item.ByteSize = p.ByteSize
	}
	if p.BytesReceived > e.item.BytesReceived {
		e.item.BytesReceived = p.BytesReceived
	}
	pct := min(p.Percent, 100)
	if pct < e.item.Progress {
		return
	}
	e.item.Progress = pct
	m.emit(domain.EventProgress, e)
}

func (m *Manager) ReportCompleted(ref RunRef) {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	e := m.current(ref)
	if e == nil {
		return
	}

	m.finish(e, domain.StatusCompleted)
	e.item.Progress = 100
	if e.item.ByteSize == 0 {
		e.item.ByteSize = e.item.BytesReceived
	}
	m.emit(domain.EventCompleted, e)
	m.log.Info("Completed %s (%s - %s)", e.item.ID, e.item.Artist, e.item.Name)

	m.schedule()
}

func (m *Manager) ReportFailed(ref RunRef, reason domain.FailureReason, detail string) {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	e := m.current(ref)
	if e == nil {
		return
	}

	m.finish(e, domain.StatusFailed)
	e.item.FailureReason = reason
	e.item.FailureDetail = detail
	m.emit(domain.EventFailed, e)
	m.log.Warn("Failed %s: %s: %s", e.item.ID, reason, detail)

	m.schedule()
}

// current returns the entry only if ref is its running admission.
func (m *Manager) current(ref RunRef) *entry {
	if m.closed {
		return nil
	}
	e, ok := m.items[ref.ID]
	if !ok || e.run != ref.Run || e.item.Status != domain.StatusActive {
		return nil
	}
	return e
}

// finish moves an active entry into a terminal list.
func (m *Manager) finish(e *entry, status domain.Status) {
	// Release the context resources; the transfer is already done
	e.cancel()
	e.cancel = nil
	m.active--

	now := m.now()
	m.seq++
	e.seq = m.seq
	e.item.Status = status
	e.item.FinishedAt = &now
}

// Get returns a copy of the item with the given id.
func (m *Manager) Get(id string) (domain.DownloadItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[id]
	if !ok {
		return domain.DownloadItem{}, false
	}
	return e.item, true
}

// ListQueued returns queued items in admission order.
func (m *Manager) ListQueued() []domain.DownloadItem {
	return m.list(domain.StatusQueued, true)
}

// ListActive returns active items in the order they were admitted.
func (m *Manager) ListActive() []domain.DownloadItem {
	return m.listActive()
}

// ListCompleted returns completed items, newest first.
func (m *Manager) ListCompleted() []domain.DownloadItem {
	return m.list(domain.StatusCompleted, false)
}

// ListFailed returns failed items, newest first.
func (m *Manager) ListFailed() []domain.DownloadItem {
	return m.list(domain.StatusFailed, false)
}

func (m *Manager) list(status domain.Status, ascending bool) []domain.DownloadItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(status, func(a, b *entry) bool {
		if ascending {
			return a.seq < b.seq
		}
		return a.seq > b.seq
	})
}

func (m *Manager) listActive() []domain.DownloadItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(domain.StatusActive, func(a, b *entry) bool {
		return a.run < b.run
	})
}

func (m *Manager) collect(status domain.Status, less func(a, b *entry) bool) []domain.DownloadItem {
	matched := make([]*entry, 0)
	for _, e := range m.items {
		if e.item.Status == status {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	out := make([]domain.DownloadItem, len(matched))
	for i, e := range matched {
		out[i] = e.item
	}
	return out
}

// Snapshot captures the completed and failed lists in one consistent view.
func (m *Manager) Snapshot() *domain.Snapshot {
	newestFirst := func(a, b *entry) bool { return a.seq > b.seq }

	m.mu.Lock()
	completed := m.collect(domain.StatusCompleted, newestFirst)
	failed := m.collect(domain.StatusFailed, newestFirst)
	m.mu.Unlock()

	snap := &domain.Snapshot{
		ID:        ksuid.New().String(),
		SavedAt:   m.now(),
		Completed: make([]*domain.DownloadItem, len(completed)),
		Failed:    make([]*domain.DownloadItem, len(failed)),
	}
	for i := range completed {
		it := completed[i]
		snap.Completed[i] = &it
	}
	for i := range failed {
		it := failed[i]
		snap.Failed[i] = &it
	}
	return snap
}

// Restore seeds the terminal lists from a snapshot. Ids already known to
// the queue win over the snapshot. Returns the number of items restored.
func (m *Manager) Restore(snap *domain.Snapshot) int {
	if snap == nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	seed := func(items []*domain.DownloadItem) {
		// Snapshot lists are newest first; oldest gets the lowest seq
		for i := len(items) - 1; i >= 0; i-- {
			it := items[i]
			if _, exists := m.items[it.ID]; exists {
				continue
			}
			m.seq++
			m.items[it.ID] = &entry{item: *it, seq: m.seq}
			restored++
		}
	}
	seed(snap.Completed)
	seed(snap.Failed)
	return restored
}

// Close cancels every active transfer and waits for the workers to return.
// Reports arriving after Close are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.workers.Wait()
}

func (m *Manager) emit(kind domain.EventKind, e *entry) {
	if m.sink == nil {
		return
	}
	m.pending = append(m.pending, domain.Event{
		ID:            ksuid.New().String(),
		Kind:          kind,
		ItemID:        e.item.ID,
		Status:        e.item.Status,
		Progress:      e.item.Progress,
		ByteSize:      e.item.ByteSize,
		FailureReason: e.item.FailureReason,
		FailureDetail: e.item.FailureDetail,
		At:            m.now(),
	})
}

// unlockAndDispatch releases mu and delivers the events collected while it
// was held.
func (m *Manager) unlockAndDispatch() {
	events := m.pending
	m.pending = nil
	if len(events) == 0 {
		m.mu.Unlock()
		return
	}

	m.dispatchMu.Lock()
	m.mu.Unlock()
	defer m.dispatchMu.Unlock()

	for _, ev := range events {
		m.sink.Notify(ev)
	}
}

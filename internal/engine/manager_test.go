package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/songq/internal/domain"
)

// holdTransfer records every run and blocks until its context ends, so the
// test drives outcomes through the Reporter methods.
type holdTransfer struct {
	mu   sync.Mutex
	runs map[RunRef]context.Context
	seen chan RunRef
}

func newHoldTransfer() *holdTransfer {
	return &holdTransfer{
		runs: make(map[RunRef]context.Context),
		seen: make(chan RunRef, 64),
	}
}

func (h *holdTransfer) Run(ctx context.Context, job Job, r Reporter) {
	h.mu.Lock()
	h.runs[job.Ref] = ctx
	h.mu.Unlock()
	select {
	case h.seen <- job.Ref:
	default:
	}
	<-ctx.Done()
}

func (h *holdTransfer) waitCtx(t *testing.T, ref RunRef) context.Context {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		ctx, ok := h.runs[ref]
		h.mu.Unlock()
		if ok {
			return ctx
		}
		select {
		case <-h.seen:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("transfer for %v never started", ref)
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Notify(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds(id string) []domain.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.EventKind
	for _, e := range l.events {
		if e.ItemID == id {
			out = append(out, e.Kind)
		}
	}
	return out
}

func newTestManager(t *testing.T, max int) (*Manager, *holdTransfer, *eventLog) {
	t.Helper()
	tr := newHoldTransfer()
	events := &eventLog{}
	m := NewManager(tr, events, max, nil)
	t.Cleanup(m.Close)
	return m, tr, events
}

func request(id string) domain.Request {
	return domain.Request{
		ID:     id,
		Name:   "Song " + id,
		Artist: "Artist " + id,
		Source: []byte(fmt.Sprintf(`{"source":"netease","track_id":%q}`, id)),
	}
}

func mustEnqueue(t *testing.T, m *Manager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, _, err := m.Enqueue(request(id)); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}
}

func refOf(t *testing.T, m *Manager, id string) RunRef {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		t.Fatalf("item %s not held", id)
	}
	return RunRef{ID: id, Run: e.run}
}

func ids(items []domain.DownloadItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func assertIDs(t *testing.T, label string, got []domain.DownloadItem, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("%s: got %v, want %v", label, g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", label, g, want)
		}
	}
}

// checkInvariants verifies capacity and partition over the derived lists.
// It assumes the ceiling was never lowered below the active count.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()

	if n := len(m.ListActive()); n > m.MaxConcurrent() {
		t.Fatalf("capacity violated: %d active, max %d", n, m.MaxConcurrent())
	}
	checkPartition(t, m)
}

// checkPartition verifies every held id sits in exactly one list and the
// active bookkeeping matches.
func checkPartition(t *testing.T, m *Manager) {
	t.Helper()

	active := m.ListActive()
	seen := make(map[string]domain.Status)
	lists := map[domain.Status][]domain.DownloadItem{
		domain.StatusQueued:    m.ListQueued(),
		domain.StatusActive:    active,
		domain.StatusCompleted: m.ListCompleted(),
		domain.StatusFailed:    m.ListFailed(),
	}
	for status, items := range lists {
		for _, it := range items {
			if prev, dup := seen[it.ID]; dup {
				t.Fatalf("partition violated: %s in %s and %s", it.ID, prev, status)
			}
			if it.Status != status {
				t.Fatalf("%s listed as %s but has status %s", it.ID, status, it.Status)
			}
			seen[it.ID] = status
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(seen) != len(m.items) {
		t.Fatalf("lists hold %d ids, map holds %d", len(seen), len(m.items))
	}
	if m.active != len(active) {
		t.Fatalf("active counter %d, list %d", m.active, len(active))
	}
	for id, e := range m.items {
		if (e.cancel != nil) != (e.item.Status == domain.StatusActive) {
			t.Fatalf("%s: cancellation handle present=%v with status %s", id, e.cancel != nil, e.item.Status)
		}
	}
}

func TestEnqueueAdmitsUpToCeiling(t *testing.T) {
	m, _, _ := newTestManager(t, 3)

	mustEnqueue(t, m, "a", "b", "c", "d", "e")

	assertIDs(t, "active", m.ListActive(), "a", "b", "c")
	assertIDs(t, "queued", m.ListQueued(), "d", "e")
	for _, it := range m.ListActive() {
		if it.StartedAt == nil {
			t.Fatalf("%s active without StartedAt", it.ID)
		}
	}
	checkInvariants(t, m)
}

func TestFailureFreesSlotForNextQueued(t *testing.T) {
	m, _, events := newTestManager(t, 3)
	mustEnqueue(t, m, "a", "b", "c", "d", "e")

	m.ReportFailed(refOf(t, m, "b"), domain.ReasonNetwork, "connection reset")

	assertIDs(t, "failed", m.ListFailed(), "b")
	assertIDs(t, "active", m.ListActive(), "a", "c", "d")
	assertIDs(t, "queued", m.ListQueued(), "e")

	failed, _ := m.Get("b")
	if failed.FailureReason != domain.ReasonNetwork || failed.FailureDetail != "connection reset" {
		t.Fatalf("unexpected failure fields: %#v", failed)
	}
	if failed.FinishedAt == nil {
		t.Fatal("expected FinishedAt on failed item")
	}

	kinds := events.kinds("d")
	if len(kinds) != 2 || kinds[0] != domain.EventEnqueued || kinds[1] != domain.EventAdmitted {
		t.Fatalf("unexpected events for d: %v", kinds)
	}
	checkInvariants(t, m)
}

func TestRetryRequeuesAtTailWithResetProgress(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	mustEnqueue(t, m, "a", "b", "c", "d", "e")

	refB := refOf(t, m, "b")
	m.ReportProgress(refB, domain.Progress{Percent: 42, BytesReceived: 420, ByteSize: 1000})
	m.ReportFailed(refB, domain.ReasonNetwork, "reset")

	m.Retry("b")

	b, _ := m.Get("b")
	if b.Status != domain.StatusQueued || b.Progress != 0 || b.FailureReason != "" || b.FailureDetail != "" {
		t.Fatalf("retry did not reset item: %#v", b)
	}
	if b.StartedAt != nil || b.FinishedAt != nil {
		t.Fatalf("retry kept timestamps: %#v", b)
	}
	assertIDs(t, "queued", m.ListQueued(), "e", "b")
	assertIDs(t, "failed", m.ListFailed())

	m.ReportCompleted(refOf(t, m, "a"))
	assertIDs(t, "queued", m.ListQueued(), "b")

	m.ReportCompleted(refOf(t, m, "c"))
	b, _ = m.Get("b")
	if b.Status != domain.StatusActive || b.Progress != 0 {
		t.Fatalf("expected b active at 0%%, got %s at %d", b.Status, b.Progress)
	}
	if ref := refOf(t, m, "b"); ref.Run == refB.Run {
		t.Fatal("expected a new run for the retried item")
	}
	checkInvariants(t, m)
}

func TestEnqueueIsIdempotentWhileInFlight(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a", "b")

	m.ReportProgress(refOf(t, m, "a"), domain.Progress{Percent: 40})

	for _, id := range []string{"a", "b"} {
		it, added, err := m.Enqueue(request(id))
		if err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
		if added {
			t.Fatalf("expected duplicate %s to be a no-op", id)
		}
		if it.ID != id {
			t.Fatalf("expected existing item %s, got %s", id, it.ID)
		}
	}

	a, _ := m.Get("a")
	if a.Progress != 40 {
		t.Fatalf("expected progress to stay 40, got %d", a.Progress)
	}
	assertIDs(t, "active", m.ListActive(), "a")
	assertIDs(t, "queued", m.ListQueued(), "b")
	checkInvariants(t, m)
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	if _, _, err := m.Enqueue(domain.Request{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestEnqueueReplacesTerminalItem(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	mustEnqueue(t, m, "a")
	m.ReportCompleted(refOf(t, m, "a"))

	_, added, err := m.Enqueue(request("a"))
	if err != nil || !added {
		t.Fatalf("expected re-download to be admitted, added=%v err=%v", added, err)
	}

	assertIDs(t, "completed", m.ListCompleted())
	assertIDs(t, "active", m.ListActive(), "a")
	checkInvariants(t, m)
}

func TestRemoveActiveCancelsAndDiscards(t *testing.T) {
	m, tr, events := newTestManager(t, 1)

	// cancels[i] counts calls to the handle of the i-th admitted run
	var (
		cancelMu sync.Mutex
		cancels  []int
	)
	m.runContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		cancelMu.Lock()
		idx := len(cancels)
		cancels = append(cancels, 0)
		cancelMu.Unlock()
		return ctx, func() {
			cancelMu.Lock()
			cancels[idx]++
			cancelMu.Unlock()
			cancel()
		}
	}

	mustEnqueue(t, m, "a", "b")

	refA := refOf(t, m, "a")
	ctxA := tr.waitCtx(t, refA)

	if !m.Remove("a") {
		t.Fatal("expected Remove to report a removal")
	}

	select {
	case <-ctxA.Done():
	default:
		t.Fatal("expected the active transfer context to be cancelled")
	}

	// b takes the slot within the same call
	assertIDs(t, "active", m.ListActive(), "b")
	assertIDs(t, "queued", m.ListQueued())

	// The worker's late cancellation report must leave no residue
	m.ReportFailed(refA, domain.ReasonCancelled, "context canceled")
	if _, ok := m.Get("a"); ok {
		t.Fatal("removed item reappeared")
	}
	assertIDs(t, "failed", m.ListFailed())
	assertIDs(t, "completed", m.ListCompleted())

	if m.Remove("a") {
		t.Fatal("second Remove should find nothing")
	}

	cancelMu.Lock()
	counts := append([]int(nil), cancels...)
	cancelMu.Unlock()
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("expected a's handle invoked exactly once and b's untouched, got %v", counts)
	}

	kinds := events.kinds("a")
	if kinds[len(kinds)-1] != domain.EventRemoved {
		t.Fatalf("expected last event for a to be removed, got %v", kinds)
	}
	checkInvariants(t, m)
}

func TestRemoveQueuedAndTerminal(t *testing.T) {
	m, tr, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a", "b", "c")

	if !m.Remove("b") {
		t.Fatal("expected queued b to be removed")
	}
	assertIDs(t, "queued", m.ListQueued(), "c")

	m.ReportCompleted(refOf(t, m, "a"))
	m.ReportFailed(refOf(t, m, "c"), domain.ReasonHTTP, "404 Not Found")

	if !m.Remove("a") || !m.Remove("c") {
		t.Fatal("expected terminal items to be removed")
	}
	assertIDs(t, "completed", m.ListCompleted())
	assertIDs(t, "failed", m.ListFailed())

	tr.mu.Lock()
	for ref := range tr.runs {
		if ref.ID == "b" {
			t.Fatal("removed queued item was started")
		}
	}
	tr.mu.Unlock()
	checkInvariants(t, m)
}

func TestRetryPanicsWhenNotFailed(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, domain.ErrNotFailed) {
			t.Fatalf("unexpected panic value %v", r)
		}
	}()
	m.Retry("a")
}

func TestTryRetryErrors(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a")

	if err := m.TryRetry("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.TryRetry("a"); !errors.Is(err, domain.ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}

func TestSetMaxConcurrent(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a", "b", "c", "d")

	m.SetMaxConcurrent(3)
	assertIDs(t, "active after raise", m.ListActive(), "a", "b", "c")

	m.SetMaxConcurrent(1)
	assertIDs(t, "active after lower", m.ListActive(), "a", "b", "c")

	m.ReportCompleted(refOf(t, m, "a"))
	assertIDs(t, "queued", m.ListQueued(), "d")
	if len(m.ListActive()) != 2 {
		t.Fatalf("expected no admission while above ceiling, got %v", ids(m.ListActive()))
	}

	m.ReportCompleted(refOf(t, m, "b"))
	m.ReportCompleted(refOf(t, m, "c"))
	assertIDs(t, "active", m.ListActive(), "d")

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic for ceiling 0")
			}
		}()
		m.SetMaxConcurrent(0)
	}()
}

func TestProgressIsMonotonic(t *testing.T) {
	m, _, events := newTestManager(t, 1)
	mustEnqueue(t, m, "a")
	ref := refOf(t, m, "a")

	for _, pct := range []int{10, 30, 20, 30, 150} {
		m.ReportProgress(ref, domain.Progress{Percent: pct})
	}

	a, _ := m.Get("a")
	if a.Progress != 100 {
		t.Fatalf("expected clamp to 100, got %d", a.Progress)
	}

	last := -1
	events.mu.Lock()
	defer events.mu.Unlock()
	for _, e := range events.events {
		if e.Kind != domain.EventProgress {
			continue
		}
		if e.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", e.Progress, last)
		}
		last = e.Progress
	}
}

func TestCompletedFreezesAtHundred(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a")
	ref := refOf(t, m, "a")

	m.ReportProgress(ref, domain.Progress{Percent: 99, BytesReceived: 512})
	m.ReportCompleted(ref)
	m.ReportProgress(ref, domain.Progress{Percent: 50})

	a, _ := m.Get("a")
	if a.Status != domain.StatusCompleted || a.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d", a.Status, a.Progress)
	}
	if a.ByteSize != 512 {
		t.Fatalf("expected byte size taken from received bytes, got %d", a.ByteSize)
	}
}

func TestStaleRunReportsIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	mustEnqueue(t, m, "a")

	old := refOf(t, m, "a")
	m.ReportFailed(old, domain.ReasonTimeout, "slow")
	m.Retry("a")

	m.ReportCompleted(old)
	a, _ := m.Get("a")
	if a.Status != domain.StatusActive {
		t.Fatalf("stale completion changed state to %s", a.Status)
	}
	checkInvariants(t, m)
}

func TestTerminalListsNewestFirst(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	mustEnqueue(t, m, "a", "b", "c")

	m.ReportCompleted(refOf(t, m, "b"))
	m.ReportCompleted(refOf(t, m, "a"))
	m.ReportCompleted(refOf(t, m, "c"))

	assertIDs(t, "completed", m.ListCompleted(), "c", "a", "b")
}

func TestSnapshotAndRestore(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	mustEnqueue(t, m, "a", "b", "c", "d")
	m.ReportCompleted(refOf(t, m, "a"))
	m.ReportFailed(refOf(t, m, "b"), domain.ReasonHTTP, "403 Forbidden")

	snap := m.Snapshot()
	if snap.ID == "" {
		t.Fatal("expected snapshot id")
	}
	if len(snap.Completed) != 1 || len(snap.Failed) != 1 {
		t.Fatalf("snapshot must only hold terminal items: %d completed, %d failed", len(snap.Completed), len(snap.Failed))
	}

	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := domain.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}

	restored, _, _ := newTestManager(t, 2)
	if n := restored.Restore(decoded); n != 2 {
		t.Fatalf("expected 2 restored items, got %d", n)
	}
	assertIDs(t, "completed", restored.ListCompleted(), "a")
	assertIDs(t, "failed", restored.ListFailed(), "b")
	assertIDs(t, "queued", restored.ListQueued())
	assertIDs(t, "active", restored.ListActive())

	b, _ := restored.Get("b")
	if b.FailureReason != domain.ReasonHTTP {
		t.Fatalf("failure reason lost: %#v", b)
	}

	restored.Retry("b")
	assertIDs(t, "active", restored.ListActive(), "b")
	checkInvariants(t, restored)
}

func TestSnapshotIsConsistentWhileItemsChurn(t *testing.T) {
	m, _, _ := newTestManager(t, 1)

	runOf := func() RunRef {
		m.mu.Lock()
		defer m.mu.Unlock()
		return RunRef{ID: "x", Run: m.items["x"].run}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if _, _, err := m.Enqueue(request("x")); err != nil {
				return
			}
			if i%2 == 0 {
				m.ReportCompleted(runOf())
			} else {
				m.ReportFailed(runOf(), domain.ReasonNetwork, "reset")
			}
		}
	}()

	for {
		snap := m.Snapshot()
		if len(snap.Completed)+len(snap.Failed) > 1 {
			t.Fatalf("x captured in both lists: %d completed, %d failed", len(snap.Completed), len(snap.Failed))
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestCloseIgnoresLateReports(t *testing.T) {
	tr := newHoldTransfer()
	m := NewManager(tr, nil, 1, nil)
	mustEnqueue(t, m, "a", "b")
	ref := refOf(t, m, "a")
	ctx := tr.waitCtx(t, ref)

	m.Close()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("Close must cancel active transfers")
	}

	m.ReportCompleted(ref)
	assertIDs(t, "completed", m.ListCompleted())
	if _, _, err := m.Enqueue(request("c")); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	rng := rand.New(rand.NewPCG(7, 11))
	pool := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	// A lowered ceiling never preempts, so active may sit above it until
	// enough transfers finish. prevActive is the allowance carried over.
	prevActive := 0

	for step := 0; step < 400; step++ {
		id := pool[rng.IntN(len(pool))]
		switch rng.IntN(7) {
		case 0, 1:
			_, _, _ = m.Enqueue(request(id))
		case 2:
			m.Remove(id)
		case 3:
			_ = m.TryRetry(id)
		case 4:
			if it, ok := m.Get(id); ok && it.Status == domain.StatusActive {
				m.ReportCompleted(refOf(t, m, id))
			}
		case 5:
			if it, ok := m.Get(id); ok && it.Status == domain.StatusActive {
				m.ReportFailed(refOf(t, m, id), domain.ReasonNetwork, "boom")
			}
		case 6:
			m.SetMaxConcurrent(1 + rng.IntN(4))
		}
		checkPartition(t, m)

		active := len(m.ListActive())
		if limit := max(m.MaxConcurrent(), prevActive); active > limit {
			t.Fatalf("step %d: admitted over the ceiling: %d active, max %d, %d before", step, active, m.MaxConcurrent(), prevActive)
		}
		if len(m.ListQueued()) > 0 && active < m.MaxConcurrent() {
			t.Fatalf("step %d: idle capacity with queued work", step)
		}
		prevActive = active
	}
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/backend"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scheduler"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/store"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/testutil"

	_ "modernc.org/sqlite"
)

const testSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "Test API", "version": "1.0"},
  "paths": {
    "/users": {"get": {}, "post": {}},
    "/notes": {"get": {}},
    "/notes/{id}": {"get": {}}
  }
}`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

// newManagerOver wires a manager over the given store and scripted backend.
func newManagerOver(t *testing.T, st *store.Store, be backend.Backend) *Manager {
	t.Helper()

	logger := &testutil.DummyLogger{}
	sched := scheduler.New(scheduler.Config{
		MaxParallel:  2,
		RetryCeiling: 1,
		ChunkTimeout: 5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, be, logger)

	return NewManager(sched, st, logger)
}

// newTestManager wires a manager over an in-memory store and the given
// scripted backend.
func newTestManager(t *testing.T, be backend.Backend) *Manager {
	t.Helper()
	return newManagerOver(t, newTestStore(t), be)
}

func createScan(t *testing.T, m *Manager, opts scan.Options) *scan.Scan {
	t.Helper()
	sc, err := m.Create(context.Background(), "https://api.example.test", testSpec, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sc
}

// waitForTerminal polls snapshots until the scan leaves its live states,
// asserting progress monotonicity along the way.
func waitForTerminal(t *testing.T, m *Manager, scanID string) Snapshot {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	lastProgress := -1.0
	for time.Now().Before(deadline) {
		snap, err := m.Snapshot(scanID)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.ProgressPercent < lastProgress {
			t.Fatalf("progress went backwards: %v -> %v", lastProgress, snap.ProgressPercent)
		}
		lastProgress = snap.ProgressPercent
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scan never reached a terminal status")
	return Snapshot{}
}

// ─── Creation ──────────────────────────────────────────────────────────

func TestCreateRejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testutil.NewFakeBackend())

	_, err := m.Create(context.Background(), "https://api.example.test", `{"not": "openapi"}`, scan.Options{})
	if !errors.Is(err, scan.ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}

	_, err = m.Create(context.Background(), "", testSpec, scan.Options{})
	if !errors.Is(err, scan.ErrInvalidSpec) {
		t.Fatalf("missing target err = %v, want ErrInvalidSpec", err)
	}
}

func TestCreateResolvesEndpoints(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testutil.NewFakeBackend())
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if sc.Status != scan.StatusQueued {
		t.Errorf("status = %s, want queued", sc.Status)
	}
	if sc.TotalEndpoints != 4 {
		t.Errorf("total endpoints = %d, want 4", sc.TotalEndpoints)
	}

	snap, err := m.Snapshot(sc.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != scan.StatusQueued || snap.TotalEndpoints != 4 {
		t.Errorf("snapshot = %+v", snap)
	}
}

// ─── Start ─────────────────────────────────────────────────────────────

func TestStartTwiceConflicts(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background(), sc.ID); !errors.Is(err, scan.ErrAlreadyStarted) {
		t.Fatalf("second start err = %v, want ErrAlreadyStarted", err)
	}
	_ = m.Cancel(sc.ID)
}

func TestStartUnknownScan(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testutil.NewFakeBackend())
	if err := m.Start(context.Background(), "missing"); !errors.Is(err, scan.ErrScanNotFound) {
		t.Fatalf("err = %v, want ErrScanNotFound", err)
	}
}

// ─── Full runs ─────────────────────────────────────────────────────────

func TestScanCompletesWithFindings(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning, Events: []backend.Event{
			testutil.ProgressEvent("/users", "GET", 4),
			testutil.FindingEvent("/users", "GET", "bola-001", scan.SeverityHigh),
		}},
		{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForTerminal(t, m, sc.ID)

	if snap.Status != scan.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.Partial {
		t.Error("fully successful scan must not be partial")
	}
	if snap.ProgressPercent != 100 {
		t.Errorf("progress = %v, want 100", snap.ProgressPercent)
	}
	// Both chunks report the same (endpoint, method, probe): dedup keeps one.
	if snap.FindingsCount != 1 {
		t.Errorf("findings count = %d, want 1 after dedup", snap.FindingsCount)
	}

	findings, total, err := m.Findings(context.Background(), sc.ID, "", 10, 0)
	if err != nil {
		t.Fatalf("Findings: %v", err)
	}
	if total != 1 || len(findings) != 1 {
		t.Fatalf("persisted findings = %d (total %d), want 1", len(findings), total)
	}
	if findings[0].ProbeID != "bola-001" || findings[0].ScanID != sc.ID {
		t.Errorf("finding = %+v", findings[0])
	}
}

func TestScanPartialWhenSomeChunksFail(t *testing.T) {
	t.Parallel()

	// First launch succeeds with a finding; every later launch fails, so
	// whichever chunk launches second fails through its retry.
	be := testutil.NewFakeBackend(
		testutil.ScriptedRun{Polls: []backend.Poll{
			{State: backend.StateRunning, Events: []backend.Event{
				testutil.FindingEvent("/users", "GET", "probe-a", scan.SeverityMedium),
			}},
			{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
		}},
		testutil.ScriptedRun{Polls: []backend.Poll{{State: backend.StateFailed, ExitErr: "exit status 2"}}},
	)
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForTerminal(t, m, sc.ID)

	if snap.Status != scan.StatusCompleted {
		t.Fatalf("status = %s, want completed (partial)", snap.Status)
	}
	if !snap.Partial {
		t.Error("scan with a failed chunk must be marked partial")
	}
	if snap.FailedChunks != 1 {
		t.Errorf("failed chunks = %d, want 1", snap.FailedChunks)
	}
	if snap.LastFailure == "" {
		t.Error("partial scan should surface the last chunk error")
	}
	if snap.FindingsCount == 0 {
		t.Error("findings from the successful chunk must be retained")
	}
}

func TestScanFailsWhenAllChunksFail(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateFailed, ExitErr: "exit status 1"},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForTerminal(t, m, sc.ID)

	if snap.Status != scan.StatusFailed {
		t.Fatalf("status = %s, want failed when zero chunks succeed", snap.Status)
	}
	if snap.Partial {
		t.Error("failed scans are not partial")
	}
}

func TestBudgetExhaustionCompletesScan(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning, Events: []backend.Event{
			testutil.ProgressEvent("/users", "GET", 50),
		}},
		{State: backend.StateRunning},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 100, MaxRequests: 20})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForTerminal(t, m, sc.ID)

	if snap.Status != scan.StatusCompleted {
		t.Fatalf("status = %s, want completed on budget exhaustion", snap.Status)
	}
	for _, cv := range snap.Chunks {
		if cv.Status == scan.ChunkSucceeded && cv.StopReason == scan.StopBudgetExhausted {
			return
		}
	}
	t.Error("expected at least one chunk stopped by the budget")
}

func TestChunkIndexPrunedAfterScanFinishes(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForTerminal(t, m, sc.ID)

	m.mu.Lock()
	leftover := len(m.chunks)
	m.mu.Unlock()
	if leftover != 0 {
		t.Errorf("chunk index holds %d entries after the scan finished, want 0", leftover)
	}
}

func TestChunkIndexPrunedAfterCancel(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	events, err := m.Events(sc.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := m.Cancel(sc.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The stream closes once the scheduler goroutine has wound down; the
	// index is pruned by then.
	deadline := time.After(10 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-events:
			open = ok
		case <-deadline:
			t.Fatal("event stream never closed after cancel")
		}
	}

	m.mu.Lock()
	leftover := len(m.chunks)
	m.mu.Unlock()
	if leftover != 0 {
		t.Errorf("chunk index holds %d entries after cancel, want 0", leftover)
	}
}

// ─── Cancellation ──────────────────────────────────────────────────────

func TestCancelIsImmediateAndDropsLateFindings(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning, Events: []backend.Event{
			testutil.FindingEvent("/users", "GET", "probe-a", scan.SeverityLow),
		}},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := m.Cancel(sc.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Cancelled is visible immediately, before workers finish tearing down.
	snap, err := m.Snapshot(sc.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != scan.StatusCancelled {
		t.Fatalf("status right after cancel = %s, want cancelled", snap.Status)
	}
	countAtCancel := snap.FindingsCount

	// Give straggling workers time to report; nothing may land.
	time.Sleep(100 * time.Millisecond)
	snap, _ = m.Snapshot(sc.ID)
	if snap.Status != scan.StatusCancelled {
		t.Errorf("status drifted to %s after cancel", snap.Status)
	}
	if snap.FindingsCount > countAtCancel {
		t.Errorf("late findings accepted after cancel: %d -> %d", countAtCancel, snap.FindingsCount)
	}

	// Cancel is idempotent.
	if err := m.Cancel(sc.ID); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestCancelDuringAggregationStaysCancelled(t *testing.T) {
	t.Parallel()

	// The aggregating window is narrow, so drive many small scans and cancel
	// the moment the aggregating status event lands. Whenever the cancel is
	// accepted before the terminal outcome is computed, cancelled must stick.
	for i := 0; i < 25; i++ {
		be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
			{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
		}})
		m := newTestManager(t, be)
		sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

		events, err := m.Events(sc.ID)
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if err := m.Start(context.Background(), sc.ID); err != nil {
			t.Fatalf("Start: %v", err)
		}

		sawCancelled := false
		deadline := time.After(10 * time.Second)
	drain:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				if ev.Type != ScanEventStatus {
					continue
				}
				if ev.Status == scan.StatusAggregating {
					if err := m.Cancel(sc.ID); err != nil {
						t.Fatalf("iteration %d: Cancel: %v", i, err)
					}
				}
				if ev.Status == scan.StatusCancelled {
					sawCancelled = true
				}
			case <-deadline:
				t.Fatalf("iteration %d: event stream never closed", i)
			}
		}

		snap, err := m.Snapshot(sc.ID)
		if err != nil {
			t.Fatalf("iteration %d: Snapshot: %v", i, err)
		}
		if !snap.Status.Terminal() {
			t.Fatalf("iteration %d: non-terminal status %s after stream close", i, snap.Status)
		}
		if sawCancelled && snap.Status != scan.StatusCancelled {
			t.Fatalf("iteration %d: cancel accepted during aggregation but scan ended %s", i, snap.Status)
		}
	}
}

func TestCancelQueuedScan(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testutil.NewFakeBackend())
	sc := createScan(t, m, scan.Options{})

	if err := m.Cancel(sc.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := m.Get(sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scan.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if err := m.Start(context.Background(), sc.ID); !errors.Is(err, scan.ErrAlreadyStarted) {
		t.Errorf("starting a cancelled scan: err = %v, want ErrAlreadyStarted", err)
	}
}

// ─── Events ────────────────────────────────────────────────────────────

func TestEventsStreamClosesAtTerminal(t *testing.T) {
	t.Parallel()

	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
	}})
	m := newTestManager(t, be)
	sc := createScan(t, m, scan.Options{RequestsPerSecond: 10})

	events, err := m.Events(sc.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if err := m.Start(context.Background(), sc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sawStatus := false
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if !sawStatus {
					t.Error("stream closed without any status events")
				}
				return
			}
			if ev.Type == ScanEventStatus {
				sawStatus = true
			}
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

// ─── Restore ───────────────────────────────────────────────────────────

func TestRestoreRebuildsHistory(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning, Events: []backend.Event{
			testutil.FindingEvent("/users", "GET", "bola-001", scan.SeverityHigh),
		}},
		{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
	}})

	m1 := newManagerOver(t, st, be)
	done := createScan(t, m1, scan.Options{RequestsPerSecond: 10})
	if err := m1.Start(context.Background(), done.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForTerminal(t, m1, done.ID)
	queued := createScan(t, m1, scan.Options{RequestsPerSecond: 10})

	// A fresh manager over the same store sees both scans.
	m2 := newManagerOver(t, st, testutil.NewFakeBackend())
	if err := m2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	snap, err := m2.Snapshot(done.ID)
	if err != nil {
		t.Fatalf("Snapshot after restore: %v", err)
	}
	if snap.Status != scan.StatusCompleted {
		t.Errorf("restored status = %s, want completed", snap.Status)
	}
	if snap.FindingsCount != 1 {
		t.Errorf("restored findings count = %d, want 1", snap.FindingsCount)
	}
	if len(m2.List()) != 2 {
		t.Errorf("restored %d scans, want 2", len(m2.List()))
	}

	// The queued scan is still startable; its document resolves again.
	if err := m2.Start(context.Background(), queued.ID); err != nil {
		t.Fatalf("Start restored queued scan: %v", err)
	}
	if got := waitForTerminal(t, m2, queued.ID); got.Status != scan.StatusCompleted {
		t.Errorf("restored queued scan finished %s, want completed", got.Status)
	}
}

func TestRestoreFailsInterruptedScans(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	// Simulate a scan that was running when the process died.
	orphan := scan.NewScan("https://api.example.test", testSpec, scan.Options{})
	orphan.Status = scan.StatusRunning
	orphan.StartedAt = time.Now().UTC()
	if err := st.SaveScan(context.Background(), orphan); err != nil {
		t.Fatalf("SaveScan: %v", err)
	}

	m := newManagerOver(t, st, testutil.NewFakeBackend())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := m.Get(orphan.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scan.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.LastFailure == "" {
		t.Error("interrupted scan should carry a failure detail")
	}

	// The failed outcome is persisted, not just in memory.
	stored, err := st.GetScan(context.Background(), orphan.ID)
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if stored.Status != scan.StatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
}

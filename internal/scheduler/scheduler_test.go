package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/backend"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/governor"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/testutil"
)

// recordingObserver collects chunk updates and findings from scheduler
// goroutines.
type recordingObserver struct {
	mu       sync.Mutex
	updates  []scan.Chunk
	findings []scan.Finding
}

func (r *recordingObserver) ChunkUpdated(c *scan.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, *c)
}

func (r *recordingObserver) FindingReported(chunkID string, f scan.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, f)
}

func (r *recordingObserver) findingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.findings)
}

func testConfig() Config {
	return Config{
		MaxParallel:  3,
		RetryCeiling: 2,
		ChunkTimeout: 5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func newTestScan(t *testing.T, endpoints int) (*scan.Scan, []*scan.Chunk) {
	t.Helper()
	sc := scan.NewScan("https://api.example.test", "spec.json", scan.Options{RequestsPerSecond: 100})
	parts := Partition(makeEndpoints(endpoints), ChunkCount(3, endpoints))
	chunks := make([]*scan.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = scan.NewChunk(sc.ID, i, p)
	}
	return sc, chunks
}

// ─── Happy path ────────────────────────────────────────────────────────

func TestRunScanAllChunksSucceed(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 6)
	be := testutil.NewFakeBackend(testutil.ScriptedRun{
		Polls: []backend.Poll{
			{State: backend.StateRunning, Events: []backend.Event{
				testutil.ProgressEvent("/ep/0", "GET", 3),
				testutil.FindingEvent("/ep/0", "GET", "probe-a", scan.SeverityHigh),
			}},
			{State: backend.StateSucceeded, Events: []backend.Event{testutil.DoneEvent()}},
		},
	})
	gov := governor.New(sc.Target, 100, 0)
	obs := &recordingObserver{}

	New(testConfig(), be, &testutil.DummyLogger{}).RunScan(context.Background(), sc, chunks, gov, obs)

	for _, c := range chunks {
		if c.Status != scan.ChunkSucceeded {
			t.Errorf("chunk %d status = %s, want succeeded", c.Index, c.Status)
		}
		if c.RetryCount != 0 {
			t.Errorf("chunk %d retried %d times", c.Index, c.RetryCount)
		}
	}
	if obs.findingCount() != len(chunks) {
		t.Errorf("findings = %d, want one per chunk", obs.findingCount())
	}
	launched := be.Launched()
	if len(launched) != len(chunks) {
		t.Fatalf("launches = %d, want %d", len(launched), len(chunks))
	}
	for _, spec := range launched {
		if spec.RateShare <= 0 {
			t.Error("launch spec missing rate share")
		}
	}
}

// ─── Retries ───────────────────────────────────────────────────────────

func TestChunkRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 1)
	be := testutil.NewFakeBackend(
		testutil.ScriptedRun{Polls: []backend.Poll{{State: backend.StateFailed, ExitErr: "probe crashed"}}},
		testutil.ScriptedRun{Polls: []backend.Poll{{State: backend.StateFailed, ExitErr: "probe crashed"}}},
		testutil.ScriptedRun{Polls: []backend.Poll{{State: backend.StateSucceeded}}},
	)
	gov := governor.New(sc.Target, 100, 0)
	obs := &recordingObserver{}

	New(testConfig(), be, &testutil.DummyLogger{}).RunScan(context.Background(), sc, chunks, gov, obs)

	c := chunks[0]
	if c.Status != scan.ChunkSucceeded {
		t.Fatalf("status = %s, want succeeded after retries", c.Status)
	}
	if c.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", c.RetryCount)
	}
	if len(be.Launched()) != 3 {
		t.Errorf("launches = %d, want 3", len(be.Launched()))
	}
}

func TestChunkFailsAfterRetryCeiling(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 1)
	// One finding arrives before each crash; it must survive the failure.
	failing := testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning, Events: []backend.Event{
			testutil.FindingEvent("/ep/0", "GET", "probe-a", scan.SeverityMedium),
		}},
		{State: backend.StateFailed, ExitErr: "exit status 2"},
	}}
	be := testutil.NewFakeBackend(failing, failing, failing)
	gov := governor.New(sc.Target, 100, 0)
	obs := &recordingObserver{}

	New(testConfig(), be, &testutil.DummyLogger{}).RunScan(context.Background(), sc, chunks, gov, obs)

	c := chunks[0]
	if c.Status != scan.ChunkFailed {
		t.Fatalf("status = %s, want failed", c.Status)
	}
	if c.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", c.RetryCount)
	}
	if c.LastError == "" {
		t.Error("failed chunk should carry its last error")
	}
	if obs.findingCount() == 0 {
		t.Error("findings reported before the failure must be retained")
	}
}

func TestLaunchFailureIsRetried(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 1)
	be := testutil.NewFakeBackend(
		testutil.ScriptedRun{LaunchErr: errors.New("image pull failed")},
		testutil.ScriptedRun{Polls: []backend.Poll{{State: backend.StateSucceeded}}},
	)
	gov := governor.New(sc.Target, 100, 0)
	obs := &recordingObserver{}

	New(testConfig(), be, &testutil.DummyLogger{}).RunScan(context.Background(), sc, chunks, gov, obs)

	if chunks[0].Status != scan.ChunkSucceeded {
		t.Fatalf("status = %s, want succeeded on second launch", chunks[0].Status)
	}
	if chunks[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", chunks[0].RetryCount)
	}
}

// ─── Budget ────────────────────────────────────────────────────────────

func TestBudgetExhaustionStopsCleanly(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 1)
	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning, Events: []backend.Event{
			testutil.ProgressEvent("/ep/0", "GET", 10),
		}},
		// The worker would keep going; the scheduler must not let it.
		{State: backend.StateRunning},
	}})
	gov := governor.New(sc.Target, 1000, 5)
	obs := &recordingObserver{}

	New(testConfig(), be, &testutil.DummyLogger{}).RunScan(context.Background(), sc, chunks, gov, obs)

	c := chunks[0]
	if c.Status != scan.ChunkSucceeded {
		t.Fatalf("status = %s, want succeeded (clean budget stop)", c.Status)
	}
	if c.StopReason != scan.StopBudgetExhausted {
		t.Errorf("stop reason = %q, want budget_exhausted", c.StopReason)
	}
	if len(be.Terminated) == 0 {
		t.Error("worker should be terminated when the budget runs out")
	}
	if !gov.Exhausted() {
		t.Error("governor should report exhaustion")
	}
}

func TestExhaustedBudgetSkipsLaunch(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 1)
	be := testutil.NewFakeBackend()
	gov := governor.New(sc.Target, 1000, 3)
	gov.ConsumeBudget(3)
	obs := &recordingObserver{}

	New(testConfig(), be, &testutil.DummyLogger{}).RunScan(context.Background(), sc, chunks, gov, obs)

	if chunks[0].Status != scan.ChunkSucceeded || chunks[0].StopReason != scan.StopBudgetExhausted {
		t.Fatalf("chunk = %s/%s, want succeeded/budget_exhausted", chunks[0].Status, chunks[0].StopReason)
	}
	if len(be.Launched()) != 0 {
		t.Errorf("launches = %d, want none with a spent budget", len(be.Launched()))
	}
}

// ─── Cancellation ──────────────────────────────────────────────────────

func TestCancellationTerminatesWorkers(t *testing.T) {
	t.Parallel()

	sc, chunks := newTestScan(t, 3)
	be := testutil.NewFakeBackend(testutil.ScriptedRun{Polls: []backend.Poll{
		{State: backend.StateRunning},
	}})
	gov := governor.New(sc.Target, 100, 0)
	obs := &recordingObserver{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(testConfig(), be, &testutil.DummyLogger{}).RunScan(ctx, sc, chunks, gov, obs)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunScan did not return after cancellation")
	}

	for _, c := range chunks {
		if c.StopReason != scan.StopCancelled {
			t.Errorf("chunk %d stop reason = %q, want cancelled", c.Index, c.StopReason)
		}
	}
	if len(be.Terminated) == 0 {
		t.Error("running workers should be terminated on cancel")
	}
}

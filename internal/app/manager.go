// Package app contains the scan manager, the sole owner and mutator of scan
// state. It wires the OpenAPI boundary, chunk scheduler, rate governor,
// findings aggregator and status publisher into one lifecycle.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/aggregator"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/governor"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/openapi"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scheduler"
)

// Store is the persistence the manager needs. internal/store implements it
// on SQLite; tests supply dummies.
type Store interface {
	SaveScan(ctx context.Context, sc *scan.Scan) error
	SaveChunk(ctx context.Context, c *scan.Chunk) error
	InsertFinding(ctx context.Context, f *scan.Finding) error
	FindingsPage(ctx context.Context, scanID string, severity scan.Severity, limit, offset int) ([]scan.Finding, int, error)
	ListScans(ctx context.Context) ([]scan.Scan, error)
}

// ScanEventType discriminates entries on a scan's event stream.
type ScanEventType string

const (
	ScanEventStatus   ScanEventType = "status"
	ScanEventProgress ScanEventType = "progress"
	ScanEventFinding  ScanEventType = "finding"
)

// ScanEvent is one entry on a scan's live event stream, consumed by the
// websocket boundary. Fields beyond ScanID/Type are populated per type.
type ScanEvent struct {
	ScanID string        `json:"scan_id"`
	Type   ScanEventType `json:"type"`

	Status          scan.Status   `json:"status,omitempty"`
	Error           string        `json:"error,omitempty"`
	ProgressPercent float64       `json:"progress_percent,omitempty"`
	ChunkIndex      int           `json:"chunk_index,omitempty"`
	Finding         *scan.Finding `json:"finding,omitempty"`
}

// scanState bundles everything the manager tracks for one scan. The scan,
// chunk views and projection are only touched under the manager mutex;
// chunk structs themselves are mutated by their scheduler goroutine and read
// here only inside observer callbacks, where that goroutine is parked.
type scanState struct {
	scan   *scan.Scan
	doc    *openapi.Document
	chunks []*scan.Chunk
	gov    *governor.Governor
	agg    *aggregator.Aggregator
	cancel context.CancelFunc
	events chan ScanEvent
}

// Manager owns the scan lifecycle state machine. All transitions serialize
// through its mutex; the scheduler and backends never mutate scan state.
type Manager struct {
	sched  *scheduler.Scheduler
	store  Store
	pub    *Publisher
	logger logging.Logger

	mu     sync.Mutex
	scans  map[string]*scanState
	chunks map[string]*scanState // chunk ID -> owning scan
}

// NewManager ties together scheduler, store and logger.
func NewManager(sched *scheduler.Scheduler, st Store, logger logging.Logger) *Manager {
	return &Manager{
		sched:  sched,
		store:  st,
		pub:    NewPublisher(),
		logger: logger,
		scans:  make(map[string]*scanState),
		chunks: make(map[string]*scanState),
	}
}

// Create validates the spec reference, resolves the endpoint set and
// registers a queued scan. Malformed or empty specs are rejected here with
// scan.ErrInvalidSpec, never discovered mid-scan.
func (m *Manager) Create(ctx context.Context, target, specRef string, opts scan.Options) (*scan.Scan, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: missing target", scan.ErrInvalidSpec)
	}
	doc, err := openapi.Load(ctx, specRef)
	if err != nil {
		return nil, err
	}

	sc := scan.NewScan(target, specRef, opts)
	sc.TotalEndpoints = len(doc.Endpoints)

	if err := m.store.SaveScan(ctx, sc); err != nil {
		return nil, fmt.Errorf("persisting scan: %w", err)
	}

	st := &scanState{
		scan:   sc,
		doc:    doc,
		events: make(chan ScanEvent, 64),
	}
	m.mu.Lock()
	m.scans[sc.ID] = st
	m.mu.Unlock()

	m.pub.Register(sc, len(doc.Endpoints))
	m.emit(st, ScanEvent{ScanID: sc.ID, Type: ScanEventStatus, Status: sc.Status})

	m.logger.Info("created scan",
		logging.Field{Key: "scan_id", Value: sc.ID},
		logging.Field{Key: "target", Value: sc.Target},
		logging.Field{Key: "endpoints", Value: len(doc.Endpoints)},
		logging.Field{Key: "api", Value: doc.Info.Title})
	return sc, nil
}

// Restore loads persisted scans so history survives a restart. Scans that
// were mid-flight when the process died cannot be resumed; they are marked
// failed. Queued scans stay startable, their document is re-resolved on Start.
func (m *Manager) Restore(ctx context.Context) error {
	scans, err := m.store.ListScans(ctx)
	if err != nil {
		return fmt.Errorf("restoring scans: %w", err)
	}

	restored, interrupted := 0, 0
	for i := range scans {
		sc := scans[i]

		m.mu.Lock()
		if _, exists := m.scans[sc.ID]; exists {
			m.mu.Unlock()
			continue
		}
		if !sc.Status.Terminal() && sc.Status != scan.StatusQueued {
			sc.Status = scan.StatusFailed
			sc.LastFailure = "interrupted by engine restart"
			sc.FinishedAt = time.Now().UTC()
			interrupted++
		}
		st := &scanState{scan: &sc}
		if sc.Status == scan.StatusQueued {
			st.events = make(chan ScanEvent, 64)
		}
		m.scans[sc.ID] = st
		m.mu.Unlock()

		// Live per-chunk detail is not reconstructed; the projection carries
		// the scan record plus the persisted findings total.
		m.pub.Register(&sc, sc.TotalEndpoints)
		m.pub.ScanUpdated(&sc)
		if _, total, err := m.store.FindingsPage(ctx, sc.ID, "", 1, 0); err == nil {
			m.pub.FindingRecorded(sc.ID, total)
		}
		if sc.Status.Terminal() {
			_ = m.store.SaveScan(ctx, &sc)
		}
		restored++
	}

	if restored > 0 {
		m.logger.Info("restored scan history",
			logging.Field{Key: "scans", Value: restored},
			logging.Field{Key: "interrupted", Value: interrupted})
	}
	return nil
}

// Start transitions queued→running, partitions the endpoint set and launches
// the chunks in the background. Any other starting state yields
// scan.ErrAlreadyStarted.
func (m *Manager) Start(ctx context.Context, scanID string) error {
	m.mu.Lock()
	st, ok := m.scans[scanID]
	if !ok {
		m.mu.Unlock()
		return scan.ErrScanNotFound
	}
	if st.scan.Status != scan.StatusQueued {
		m.mu.Unlock()
		return fmt.Errorf("%w: scan is %s", scan.ErrAlreadyStarted, st.scan.Status)
	}

	if st.doc == nil {
		// Queued scan restored from storage; resolve its document again.
		m.mu.Unlock()
		doc, err := openapi.Load(ctx, st.scan.SpecRef)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if st.scan.Status != scan.StatusQueued {
			m.mu.Unlock()
			return fmt.Errorf("%w: scan is %s", scan.ErrAlreadyStarted, st.scan.Status)
		}
		st.doc = doc
	}

	sc := st.scan
	sc.Status = scan.StatusRunning
	sc.StartedAt = time.Now().UTC()

	chunkCount := scheduler.ChunkCount(m.sched.MaxParallel(), len(st.doc.Endpoints))
	parts := scheduler.Partition(st.doc.Endpoints, chunkCount)
	st.chunks = make([]*scan.Chunk, len(parts))
	for i, eps := range parts {
		c := scan.NewChunk(sc.ID, i, eps)
		st.chunks[i] = c
		m.chunks[c.ID] = st
	}
	st.gov = governor.New(sc.Target, sc.Options.RequestsPerSecond, sc.Options.MaxRequests)
	st.agg = aggregator.New(sc.ID, m.logger)

	// The scan outlives the HTTP request that started it.
	scanCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	view := *sc
	m.mu.Unlock()

	m.pub.ScanUpdated(&view)
	m.pub.ChunksRegistered(view.ID, st.chunks)
	m.emit(st, ScanEvent{ScanID: view.ID, Type: ScanEventStatus, Status: view.Status})
	_ = m.store.SaveScan(ctx, &view)
	for _, c := range st.chunks {
		_ = m.store.SaveChunk(ctx, c)
	}

	m.logger.Info("started scan",
		logging.Field{Key: "scan_id", Value: view.ID},
		logging.Field{Key: "chunks", Value: len(st.chunks)},
		logging.Field{Key: "max_parallel", Value: m.sched.MaxParallel()})

	go m.run(scanCtx, st)
	return nil
}

// run blocks on the scheduler, then computes the terminal outcome from the
// chunk results. No retries happen at scan granularity.
func (m *Manager) run(ctx context.Context, st *scanState) {
	m.sched.RunScan(ctx, st.scan, st.chunks, st.gov, m)

	m.mu.Lock()
	sc := st.scan
	if sc.Status == scan.StatusCancelled {
		// Cancel already sealed the scan; workers just finished winding down.
		m.pruneChunkIndex(st)
		m.mu.Unlock()
		m.closeEvents(st)
		return
	}

	sc.Status = scan.StatusAggregating
	view := *sc
	m.mu.Unlock()
	m.pub.ScanUpdated(&view)
	m.emit(st, ScanEvent{ScanID: view.ID, Type: ScanEventStatus, Status: view.Status})

	set := st.agg.Finalize()

	var succeeded, failed int
	lastFailure := ""
	for _, c := range st.chunks {
		switch c.Status {
		case scan.ChunkSucceeded:
			succeeded++
		case scan.ChunkFailed:
			failed++
			if c.LastError != "" {
				lastFailure = c.LastError
			}
		}
	}

	m.mu.Lock()
	if sc.Status == scan.StatusCancelled {
		// Cancel won the race during aggregation; cancelled is terminal and
		// must not be overwritten by a computed outcome.
		m.pruneChunkIndex(st)
		m.mu.Unlock()
		m.closeEvents(st)
		return
	}
	sc.FailedChunks = failed
	sc.LastFailure = lastFailure
	if succeeded == 0 && failed > 0 {
		sc.Status = scan.StatusFailed
	} else {
		sc.Status = scan.StatusCompleted
		sc.Partial = failed > 0
	}
	sc.FinishedAt = time.Now().UTC()
	view = *sc
	m.pruneChunkIndex(st)
	m.mu.Unlock()

	m.pub.ScanUpdated(&view)
	m.pub.Finalized(view.ID, set.Total())
	_ = m.store.SaveScan(context.Background(), &view)

	m.emit(st, ScanEvent{ScanID: view.ID, Type: ScanEventStatus, Status: view.Status, Error: lastFailure})
	m.closeEvents(st)

	m.logger.Info("scan finished",
		logging.Field{Key: "scan_id", Value: view.ID},
		logging.Field{Key: "status", Value: view.Status.String()},
		logging.Field{Key: "partial", Value: view.Partial},
		logging.Field{Key: "findings", Value: set.Total()},
		logging.Field{Key: "failed_chunks", Value: failed})
}

// pruneChunkIndex drops the scan's chunk ID entries once no scheduler
// goroutine can report against them. Caller holds m.mu.
func (m *Manager) pruneChunkIndex(st *scanState) {
	for _, c := range st.chunks {
		delete(m.chunks, c.ID)
	}
}

// Cancel requests termination of all in-flight workers and marks the scan
// cancelled immediately; worker teardown is best-effort and asynchronous.
// Idempotent; cancelling a terminal scan is a no-op.
func (m *Manager) Cancel(scanID string) error {
	m.mu.Lock()
	st, ok := m.scans[scanID]
	if !ok {
		m.mu.Unlock()
		return scan.ErrScanNotFound
	}
	sc := st.scan
	if sc.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	sc.Status = scan.StatusCancelled
	sc.FinishedAt = time.Now().UTC()
	view := *sc
	cancel := st.cancel
	agg := st.agg
	m.mu.Unlock()

	// Seal the aggregator first so findings from still-terminating workers
	// are dropped, then pull the plug on the scheduler.
	if agg != nil {
		agg.Finalize()
	}
	if cancel != nil {
		cancel()
	} else {
		// Never started; there is no scheduler goroutine to close the stream.
		m.closeEvents(st)
	}

	m.pub.ScanUpdated(&view)
	_ = m.store.SaveScan(context.Background(), &view)
	m.emit(st, ScanEvent{ScanID: view.ID, Type: ScanEventStatus, Status: view.Status})

	m.logger.Info("cancelled scan", logging.Field{Key: "scan_id", Value: scanID})
	return nil
}

// Snapshot returns the publisher's projection; it never blocks on in-flight
// work.
func (m *Manager) Snapshot(scanID string) (Snapshot, error) {
	snap, ok := m.pub.Snapshot(scanID)
	if !ok {
		return Snapshot{}, scan.ErrScanNotFound
	}
	return snap, nil
}

// Get returns a copy of the scan record.
func (m *Manager) Get(scanID string) (scan.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scans[scanID]
	if !ok {
		return scan.Scan{}, scan.ErrScanNotFound
	}
	return *st.scan, nil
}

// List returns copies of all known scans, newest first.
func (m *Manager) List() []scan.Scan {
	m.mu.Lock()
	out := make([]scan.Scan, 0, len(m.scans))
	for _, st := range m.scans {
		out = append(out, *st.scan)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Findings returns one page of the scan's findings ordered by severity.
// Partial findings are served while the scan still runs, and findings from
// failed chunks are retained.
func (m *Manager) Findings(ctx context.Context, scanID string, severity scan.Severity, limit, offset int) ([]scan.Finding, int, error) {
	m.mu.Lock()
	_, ok := m.scans[scanID]
	m.mu.Unlock()
	if !ok {
		return nil, 0, scan.ErrScanNotFound
	}
	return m.store.FindingsPage(ctx, scanID, severity, limit, offset)
}

// Events exposes the scan's live event stream for the websocket boundary.
// The channel closes once the scan is terminal and drained.
func (m *Manager) Events(scanID string) (<-chan ScanEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scans[scanID]
	if !ok {
		return nil, scan.ErrScanNotFound
	}
	if st.events == nil {
		// Scan already terminal; hand back a stream that ends immediately.
		done := make(chan ScanEvent)
		close(done)
		return done, nil
	}
	return st.events, nil
}

// --- scheduler.Observer ---

// ChunkUpdated projects one chunk's state into the publisher and persists
// terminal chunk results. Called from the chunk's scheduler goroutine; the
// chunk is stable for the duration of the call.
func (m *Manager) ChunkUpdated(c *scan.Chunk) {
	m.mu.Lock()
	st, ok := m.scans[c.ScanID]
	cancelled := ok && st.scan.Status == scan.StatusCancelled
	m.mu.Unlock()
	if !ok {
		return
	}

	progress := m.pub.ChunkUpdated(*c)
	if c.Status.Terminal() {
		_ = m.store.SaveChunk(context.Background(), c)
	}
	if !cancelled {
		m.emit(st, ScanEvent{
			ScanID:          c.ScanID,
			Type:            ScanEventProgress,
			ProgressPercent: progress,
			ChunkIndex:      c.Index,
		})
	}
}

// FindingReported feeds one worker-reported finding through the aggregator;
// duplicates and post-cancel stragglers are dropped there. Provenance comes
// from the chunk, not from whatever the worker record claims.
func (m *Manager) FindingReported(chunkID string, f scan.Finding) {
	m.mu.Lock()
	st := m.chunks[chunkID]
	m.mu.Unlock()
	if st == nil || st.agg == nil {
		return
	}

	stamped, ok := st.agg.Ingest(chunkID, f)
	if !ok {
		return
	}

	m.pub.FindingRecorded(st.scan.ID, st.agg.Count())
	if err := m.store.InsertFinding(context.Background(), stamped); err != nil {
		m.logger.Error("persisting finding",
			logging.Field{Key: "scan_id", Value: st.scan.ID},
			logging.Field{Key: "error", Value: err.Error()})
	}
	m.emit(st, ScanEvent{ScanID: st.scan.ID, Type: ScanEventFinding, Finding: stamped})
}

// emit sends without blocking; a slow websocket consumer drops events rather
// than stalling the scheduler. Held under the manager lock so a concurrent
// close cannot race the send.
func (m *Manager) emit(st *scanState, ev ScanEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.events == nil {
		return
	}
	select {
	case st.events <- ev:
	default:
	}
}

func (m *Manager) closeEvents(st *scanState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.events != nil {
		close(st.events)
		st.events = nil
	}
}

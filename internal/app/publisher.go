package app

import (
	"sync"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

// ChunkView is a chunk's state as exposed in status snapshots.
type ChunkView struct {
	ChunkID         string           `json:"chunk_id"`
	Index           int              `json:"index"`
	Status          scan.ChunkStatus `json:"status"`
	CurrentEndpoint *scan.Endpoint   `json:"current_endpoint,omitempty"`
	EndpointsDone   int              `json:"endpoints_done"`
	EndpointsTotal  int              `json:"endpoints_total"`
	RetryCount      int              `json:"retry_count"`
	StopReason      scan.StopReason  `json:"stop_reason,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time view of a scan, cheap enough to serve on every
// poll. ProgressPercent is monotonic: retries reset per-chunk counters but
// never walk the reported figure backwards.
type Snapshot struct {
	ScanID          string      `json:"scan_id"`
	Target          string      `json:"target"`
	Status          scan.Status `json:"status"`
	Partial         bool        `json:"partial"`
	ProgressPercent float64     `json:"progress_percent"`
	FindingsCount   int         `json:"findings_count"`
	TotalEndpoints  int         `json:"total_endpoints"`
	FailedChunks    int         `json:"failed_chunks"`
	LastFailure     string      `json:"last_failure,omitempty"`
	Chunks          []ChunkView `json:"chunks,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       time.Time   `json:"started_at,omitzero"`
	FinishedAt      time.Time   `json:"finished_at,omitzero"`
}

type projection struct {
	snap        Snapshot
	maxProgress float64
}

// Publisher maintains read-only scan projections, updated incrementally by
// the manager. Reads never touch scheduler or aggregator state.
type Publisher struct {
	mu    sync.RWMutex
	scans map[string]*projection
}

// NewPublisher builds an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{scans: make(map[string]*projection)}
}

// Register seeds the projection for a freshly created scan.
func (p *Publisher) Register(sc *scan.Scan, totalEndpoints int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scans[sc.ID] = &projection{snap: Snapshot{
		ScanID:         sc.ID,
		Target:         sc.Target,
		Status:         sc.Status,
		TotalEndpoints: totalEndpoints,
		CreatedAt:      sc.CreatedAt,
	}}
}

// ScanUpdated folds the scan record's current lifecycle fields into the
// projection.
func (p *Publisher) ScanUpdated(sc *scan.Scan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.scans[sc.ID]
	if !ok {
		return
	}
	pr.snap.Status = sc.Status
	pr.snap.Partial = sc.Partial
	pr.snap.FailedChunks = sc.FailedChunks
	pr.snap.LastFailure = sc.LastFailure
	pr.snap.StartedAt = sc.StartedAt
	pr.snap.FinishedAt = sc.FinishedAt
}

// ChunksRegistered installs the initial chunk views once a scan starts.
func (p *Publisher) ChunksRegistered(scanID string, chunks []*scan.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.scans[scanID]
	if !ok {
		return
	}
	views := make([]ChunkView, len(chunks))
	for i, c := range chunks {
		views[i] = chunkView(c)
	}
	pr.snap.Chunks = views
}

// ChunkUpdated refreshes one chunk view and recomputes scan progress,
// returning the (monotonic) percentage now reported.
func (p *Publisher) ChunkUpdated(c scan.Chunk) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.scans[c.ScanID]
	if !ok || c.Index >= len(pr.snap.Chunks) {
		return 0
	}
	pr.snap.Chunks[c.Index] = chunkView(&c)

	if pr.snap.TotalEndpoints > 0 {
		done := 0
		for _, v := range pr.snap.Chunks {
			done += v.EndpointsDone
		}
		pct := float64(done) / float64(pr.snap.TotalEndpoints) * 100
		if pct > pr.maxProgress {
			pr.maxProgress = pct
		}
	}
	pr.snap.ProgressPercent = pr.maxProgress
	return pr.maxProgress
}

// FindingRecorded bumps the live findings counter.
func (p *Publisher) FindingRecorded(scanID string, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.scans[scanID]; ok {
		pr.snap.FindingsCount = count
	}
}

// Finalized records the post-dedup finding total once aggregation completes.
func (p *Publisher) Finalized(scanID string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.scans[scanID]; ok {
		pr.snap.FindingsCount = total
	}
}

// Snapshot returns a copy of the scan's projection.
func (p *Publisher) Snapshot(scanID string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.scans[scanID]
	if !ok {
		return Snapshot{}, false
	}
	snap := pr.snap
	snap.Chunks = make([]ChunkView, len(pr.snap.Chunks))
	copy(snap.Chunks, pr.snap.Chunks)
	return snap, true
}

func chunkView(c *scan.Chunk) ChunkView {
	v := ChunkView{
		ChunkID:        c.ID,
		Index:          c.Index,
		Status:         c.Status,
		EndpointsDone:  c.EndpointsDone,
		EndpointsTotal: len(c.Endpoints),
		RetryCount:     c.RetryCount,
		StopReason:     c.StopReason,
		LastError:      c.LastError,
	}
	if c.CurrentEndpoint != nil {
		ep := *c.CurrentEndpoint
		v.CurrentEndpoint = &ep
	}
	return v
}

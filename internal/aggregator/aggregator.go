// Package aggregator folds per-chunk finding streams into one deduplicated
// set per scan. Ingestion order across chunks is unconstrained; the dedup key
// makes the final set deterministic regardless of worker completion order.
package aggregator

import (
	"sync"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

// FindingSet is the immutable result of finalizing a scan's findings.
type FindingSet struct {
	ScanID     string                `json:"scan_id"`
	Findings   []*scan.Finding       `json:"findings"`
	BySeverity map[scan.Severity]int `json:"by_severity"`
}

// Total returns the number of retained findings.
func (fs *FindingSet) Total() int { return len(fs.Findings) }

// Aggregator collects findings for one scan. First-seen evidence wins:
// a later finding with an already-seen (endpoint, method, probe) key is
// dropped, not merged.
type Aggregator struct {
	scanID string
	logger logging.Logger

	mu        sync.Mutex
	seen      map[scan.FindingKey]bool
	findings  []*scan.Finding
	counts    map[scan.Severity]int
	finalized bool
}

// New builds an empty aggregator for the scan.
func New(scanID string, logger logging.Logger) *Aggregator {
	return &Aggregator{
		scanID: scanID,
		logger: logger,
		seen:   make(map[scan.FindingKey]bool),
		counts: make(map[scan.Severity]int),
	}
}

// Ingest records one finding reported by a chunk and returns the stamped
// copy when retained. Duplicate keys and post-finalize reports are dropped;
// the latter is an aggregation inconsistency worth a log line, never an
// error.
func (a *Aggregator) Ingest(chunkID string, f scan.Finding) (*scan.Finding, bool) {
	stamped := scan.NewFinding(a.scanID, chunkID, f)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		a.logger.Warn("finding reported after scan finalized, dropping",
			logging.Field{Key: "scan_id", Value: a.scanID},
			logging.Field{Key: "chunk_id", Value: chunkID},
			logging.Field{Key: "probe_id", Value: stamped.ProbeID})
		return nil, false
	}

	key := stamped.Key()
	if a.seen[key] {
		return nil, false
	}
	a.seen[key] = true
	a.findings = append(a.findings, stamped)
	a.counts[stamped.Severity]++
	return stamped, true
}

// Count returns the number of findings retained so far.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.findings)
}

// Finalize seals the aggregator and returns the merged set with per-severity
// counts. Safe to call once all chunks are terminal; later Ingest calls are
// no-ops. Finalize itself is idempotent.
func (a *Aggregator) Finalize() *FindingSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalized = true

	findings := make([]*scan.Finding, len(a.findings))
	copy(findings, a.findings)
	counts := make(map[scan.Severity]int, len(a.counts))
	for sev, n := range a.counts {
		counts[sev] = n
	}
	return &FindingSet{
		ScanID:     a.scanID,
		Findings:   findings,
		BySeverity: counts,
	}
}

package scan

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Severity grades a finding. Ordered from least to most severe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a sortable weight, higher is more severe. Unknown severities
// rank below info so malformed worker output never outranks real findings.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Valid reports whether s is one of the known severity grades.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Finding is one reported security issue with its provenance.
type Finding struct {
	ID      string `json:"id"`
	ScanID  string `json:"scan_id"`
	ChunkID string `json:"chunk_id"`

	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`

	// ProbeID identifies the worker probe that produced the finding,
	// e.g. "sqli.error-based" or "auth.missing-bearer-check".
	ProbeID string `json:"probe_id"`

	Severity Severity        `json:"severity"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// FindingKey deduplicates findings within a scan: at most one finding per
// (endpoint, method, probe) is retained, first-seen evidence wins.
type FindingKey struct {
	Endpoint string
	Method   string
	ProbeID  string
}

// Key returns the dedup key for the finding.
func (f *Finding) Key() FindingKey {
	return FindingKey{Endpoint: f.Endpoint, Method: f.Method, ProbeID: f.ProbeID}
}

// NewFinding stamps provenance and a fresh ID onto a reported finding.
func NewFinding(scanID, chunkID string, f Finding) *Finding {
	f.ID = uuid.New().String()
	f.ScanID = scanID
	f.ChunkID = chunkID
	if !f.Severity.Valid() {
		f.Severity = SeverityInfo
	}
	return &f
}

// Package scan holds the domain model shared by the orchestration engine:
// scans, chunks, findings and their status machines.
package scan

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSpec is returned when the submitted OpenAPI document cannot
	// be parsed or yields no endpoints. Rejected at create time.
	ErrInvalidSpec = errors.New("invalid or empty API specification")

	// ErrAlreadyStarted is returned when start is requested for a scan that
	// has left the queued state.
	ErrAlreadyStarted = errors.New("scan already started")

	// ErrInvalidTransition is returned on a status transition the state
	// machine forbids.
	ErrInvalidTransition = errors.New("invalid scan status transition")

	// ErrScanNotFound is returned when a scan id is unknown.
	ErrScanNotFound = errors.New("scan not found")
)

// Status is the lifecycle state of a scan. It only moves forward through
// queued → running → aggregating → completed|failed, with cancelled reachable
// from any non-terminal state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusAggregating Status = "aggregating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether a scan in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the forward-only scan state machine.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusAggregating
	case StatusAggregating:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Options are the user-supplied knobs for one scan. Immutable once the scan
// starts.
type Options struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	MaxRequests       int     `json:"max_requests" yaml:"max_requests"`
	Dangerous         bool    `json:"dangerous" yaml:"dangerous"`
	FuzzAuth          bool    `json:"fuzz_auth" yaml:"fuzz_auth"`
}

// Scan is one security-scan job. Owned exclusively by the scan manager;
// other components refer to it by ID only.
type Scan struct {
	ID      string  `json:"id"`
	Target  string  `json:"target"`
	SpecRef string  `json:"spec"`
	Options Options `json:"options"`
	Status  Status  `json:"status"`

	// Partial is set on completed scans where at least one chunk failed but
	// at least one succeeded.
	Partial bool `json:"partial"`

	// FailedChunks and LastFailure describe the terminal outcome when chunks
	// exhausted their retries.
	FailedChunks int    `json:"failed_chunks,omitempty"`
	LastFailure  string `json:"last_failure,omitempty"`

	TotalEndpoints int `json:"total_endpoints"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// NewScan initializes a queued scan with a fresh opaque ID.
func NewScan(target, specRef string, opts Options) *Scan {
	return &Scan{
		ID:        uuid.New().String(),
		Target:    target,
		SpecRef:   specRef,
		Options:   opts,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

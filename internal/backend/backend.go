// Package backend abstracts how scanner workers run: as locally managed
// container processes or as tasks on a remote managed-task API. Both variants
// expose the same launch/poll/terminate capability and the same progress
// event shape, so the scheduler and aggregator never branch on the variant.
// The variant is picked once at orchestrator start, not per scan.
package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

var (
	// ErrWorkerLaunchFailure is returned when a worker cannot be started.
	// The scheduler retries per its chunk policy; backends never retry.
	ErrWorkerLaunchFailure = errors.New("worker launch failed")

	// ErrUnknownHandle is returned when a handle does not refer to a worker
	// this backend launched (or one already released).
	ErrUnknownHandle = errors.New("unknown worker handle")
)

// Handle is an opaque reference to one launched worker.
type Handle string

// RunState is the coarse liveness of a worker.
type RunState string

const (
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

// LaunchSpec is everything a worker needs to probe its endpoint subset.
type LaunchSpec struct {
	ScanID  string `json:"scan_id"`
	ChunkID string `json:"chunk_id"`

	TargetURL string          `json:"target_url"`
	Endpoints []scan.Endpoint `json:"endpoints"`

	// RateShare is this worker's slice of the scan's requests-per-second
	// ceiling; concurrently running workers' shares sum to the ceiling.
	RateShare float64 `json:"requests_per_second_share"`

	// MaxRequestsShare is this worker's slice of the scan's request budget.
	// Zero means the scan is unbounded.
	MaxRequestsShare int `json:"max_requests_share"`

	Dangerous bool `json:"dangerous"`
	FuzzAuth  bool `json:"fuzz_auth"`

	// OutputSink is where the worker writes its newline-delimited progress
	// and finding records. Local workers get a shared-volume file path;
	// remote workers report through the task API instead.
	OutputSink string `json:"output_sink,omitempty"`

	MemoryLimitMB int `json:"memory_limit_mb,omitempty"`
}

// EventType discriminates worker output records.
type EventType string

const (
	EventProgress EventType = "progress"
	EventFinding  EventType = "finding"
	EventDone     EventType = "done"
)

// Event is one record from a worker's output stream. Both backend variants
// deliver this exact shape.
type Event struct {
	Type EventType `json:"type"`

	// Endpoint/Method name the endpoint currently being probed (progress)
	// and, on progress records, Requests counts target requests issued
	// since the previous record.
	Endpoint string `json:"endpoint,omitempty"`
	Method   string `json:"method,omitempty"`
	Requests int    `json:"requests,omitempty"`

	Finding *scan.Finding `json:"finding,omitempty"`
}

// Poll is one non-blocking observation of a worker: its run state, exit
// detail when terminal, and the events produced since the previous poll.
type Poll struct {
	State    RunState
	ExitCode int
	ExitErr  string
	Events   []Event
}

// Backend launches and observes scanner workers. Terminate is best-effort
// and idempotent; Poll never blocks on worker progress.
type Backend interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	Poll(ctx context.Context, h Handle) (Poll, error)
	Terminate(ctx context.Context, h Handle) error

	// Release drops bookkeeping for a handle once its chunk is terminal.
	Release(h Handle)
}

// decodeEvents parses newline-delimited JSON event records, skipping lines
// that do not decode; a crashing worker can truncate its last line.
func decodeEvents(lines [][]byte) []Event {
	var evs []Event
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			continue
		}
		evs = append(evs, ev)
	}
	return evs
}

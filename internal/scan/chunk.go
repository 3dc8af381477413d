package scan

import (
	"fmt"

	"github.com/google/uuid"
)

// Endpoint is one (method, path) pair from the API specification.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (e Endpoint) String() string { return e.Method + " " + e.Path }

// ChunkStatus is the lifecycle state of one chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkLaunching ChunkStatus = "launching"
	ChunkRunning   ChunkStatus = "running"
	ChunkSucceeded ChunkStatus = "succeeded"
	ChunkFailed    ChunkStatus = "failed"
	ChunkRetrying  ChunkStatus = "retrying"
)

// Terminal reports whether the chunk has finished for good.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkSucceeded || s == ChunkFailed
}

// StopReason records why a chunk stopped before probing every endpoint.
type StopReason string

const (
	// StopBudgetExhausted means the scan-wide request budget ran out. Not a
	// failure: the chunk stops cleanly and keeps its findings.
	StopBudgetExhausted StopReason = "budget_exhausted"

	// StopCancelled means the scan was cancelled while the chunk ran.
	StopCancelled StopReason = "cancelled"
)

// Chunk is a partition of the endpoint set assigned to one worker. The chunks
// of a scan cover its endpoint set exactly once, without overlap.
type Chunk struct {
	ID     string `json:"chunk_id"`
	ScanID string `json:"scan_id"`
	Index  int    `json:"index"`

	Endpoints []Endpoint `json:"endpoints"`

	Status          ChunkStatus `json:"status"`
	CurrentEndpoint *Endpoint   `json:"current_endpoint,omitempty"`
	RetryCount      int         `json:"retry_count"`
	StopReason      StopReason  `json:"stop_reason,omitempty"`
	LastError       string      `json:"last_error,omitempty"`

	// WorkerHandle identifies the current (or last) worker attempt.
	WorkerHandle string `json:"worker_handle,omitempty"`

	// EndpointsDone counts endpoints the worker reported as probed.
	EndpointsDone int `json:"endpoints_done"`

	// RequestsUsed is the number of target requests the worker reported.
	RequestsUsed int `json:"requests_used"`
}

// NewChunk builds a pending chunk over the given endpoint subset.
func NewChunk(scanID string, index int, endpoints []Endpoint) *Chunk {
	return &Chunk{
		ID:        uuid.New().String(),
		ScanID:    scanID,
		Index:     index,
		Endpoints: endpoints,
		Status:    ChunkPending,
	}
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %d (%d endpoints, %s)", c.Index, len(c.Endpoints), c.Status)
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
)

// LocalConfig configures the local container-runtime backend.
type LocalConfig struct {
	// Runtime is the container runtime binary, e.g. "docker" or "podman".
	Runtime string `yaml:"runtime"`

	// Image is the scanner worker image to run.
	Image string `yaml:"image"`

	// SinkDir is the shared-volume directory workers write their progress
	// streams into. Mounted into the container at /out.
	SinkDir string `yaml:"sink_dir"`

	// MemoryLimitMB caps each worker container. Zero means no limit flag.
	MemoryLimitMB int `yaml:"memory_limit_mb"`
}

// DefaultLocalConfig returns development defaults for the local backend.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Runtime:       "docker",
		Image:         "scanner-worker:latest",
		SinkDir:       os.TempDir(),
		MemoryLimitMB: 512,
	}
}

type localWorker struct {
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	exitCode int

	sinkPath string
	offset   int64

	terminated bool
}

// Local runs scanner workers as locally managed container processes and
// reads their progress from a shared-volume NDJSON sink.
type Local struct {
	cfg    LocalConfig
	logger logging.Logger

	mu      sync.Mutex
	workers map[Handle]*localWorker
}

// NewLocal builds the local container-runtime backend.
func NewLocal(cfg LocalConfig, logger logging.Logger) (*Local, error) {
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("local backend: worker image is required")
	}
	if cfg.SinkDir == "" {
		cfg.SinkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.SinkDir, 0o755); err != nil {
		return nil, fmt.Errorf("local backend: ensure sink dir: %w", err)
	}
	return &Local{
		cfg:     cfg,
		logger:  logger,
		workers: make(map[Handle]*localWorker),
	}, nil
}

// Launch starts one worker container. The chunk's endpoint subset is handed
// over as a JSON file beside the sink so argument lists stay bounded.
func (l *Local) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	h := Handle(uuid.New().String())

	sinkPath := spec.OutputSink
	if sinkPath == "" {
		sinkPath = filepath.Join(l.cfg.SinkDir, string(h)+".ndjson")
	}
	endpointsPath := filepath.Join(l.cfg.SinkDir, string(h)+".endpoints.json")

	epData, err := json.Marshal(spec.Endpoints)
	if err != nil {
		return "", fmt.Errorf("%w: encoding endpoints: %v", ErrWorkerLaunchFailure, err)
	}
	if err := os.WriteFile(endpointsPath, epData, 0o644); err != nil {
		return "", fmt.Errorf("%w: writing endpoint file: %v", ErrWorkerLaunchFailure, err)
	}
	// Pre-create the sink so polling can read it before the worker's first write.
	if err := os.WriteFile(sinkPath, nil, 0o644); err != nil {
		return "", fmt.Errorf("%w: creating sink: %v", ErrWorkerLaunchFailure, err)
	}

	memory := spec.MemoryLimitMB
	if memory == 0 {
		memory = l.cfg.MemoryLimitMB
	}

	args := []string{
		"run", "--rm",
		"--name", "scanworker-" + string(h)[:8],
		"-v", l.cfg.SinkDir + ":/out",
	}
	if memory > 0 {
		args = append(args, "--memory", strconv.Itoa(memory)+"m")
	}
	args = append(args, l.cfg.Image,
		"--target", spec.TargetURL,
		"--endpoints", "/out/"+filepath.Base(endpointsPath),
		"--output", "/out/"+filepath.Base(sinkPath),
		"--rps", strconv.FormatFloat(spec.RateShare, 'f', -1, 64),
	)
	if spec.MaxRequestsShare > 0 {
		args = append(args, "--max-requests", strconv.Itoa(spec.MaxRequestsShare))
	}
	if spec.Dangerous {
		args = append(args, "--dangerous")
	}
	if spec.FuzzAuth {
		args = append(args, "--fuzz-auth")
	}

	// The worker outlives the launch call's context; it is stopped through
	// Terminate, not context cancellation.
	cmd := exec.Command(l.cfg.Runtime, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %s %s: %v", ErrWorkerLaunchFailure, l.cfg.Runtime, l.cfg.Image, err)
	}

	w := &localWorker{
		cmd:      cmd,
		done:     make(chan struct{}),
		sinkPath: sinkPath,
	}
	go func() {
		err := cmd.Wait()
		w.waitErr = err
		if cmd.ProcessState != nil {
			w.exitCode = cmd.ProcessState.ExitCode()
		}
		close(w.done)
	}()

	l.mu.Lock()
	l.workers[h] = w
	l.mu.Unlock()

	l.logger.Info("launched local worker",
		logging.Field{Key: "handle", Value: string(h)},
		logging.Field{Key: "chunk_id", Value: spec.ChunkID},
		logging.Field{Key: "endpoints", Value: len(spec.Endpoints)})
	return h, nil
}

// Poll reads new sink records and reports process liveness. Non-blocking.
func (l *Local) Poll(ctx context.Context, h Handle) (Poll, error) {
	l.mu.Lock()
	w, ok := l.workers[h]
	l.mu.Unlock()
	if !ok {
		return Poll{}, ErrUnknownHandle
	}

	events, err := l.readSink(w)
	if err != nil {
		l.logger.Warn("reading worker sink",
			logging.Field{Key: "handle", Value: string(h)},
			logging.Field{Key: "error", Value: err.Error()})
	}

	p := Poll{State: StateRunning, Events: events}
	select {
	case <-w.done:
		if w.exitCode == 0 && w.waitErr == nil {
			p.State = StateSucceeded
		} else {
			p.State = StateFailed
			p.ExitCode = w.exitCode
			if w.waitErr != nil {
				p.ExitErr = w.waitErr.Error()
			}
		}
	default:
	}
	return p, nil
}

// readSink returns complete new lines since the last poll, advancing the
// per-worker offset past them. A partial trailing line is left for the next
// poll.
func (l *Local) readSink(w *localWorker) ([]Event, error) {
	data, err := os.ReadFile(w.sinkPath)
	if err != nil {
		return nil, err
	}
	if w.offset >= int64(len(data)) {
		return nil, nil
	}
	chunk := data[w.offset:]

	last := bytes.LastIndexByte(chunk, '\n')
	if last < 0 {
		return nil, nil
	}
	w.offset += int64(last + 1)
	return decodeEvents(bytes.Split(chunk[:last], []byte{'\n'})), nil
}

// Terminate kills the worker process. Best-effort and idempotent; the
// container runtime reaps the container via --rm.
func (l *Local) Terminate(ctx context.Context, h Handle) error {
	l.mu.Lock()
	w, ok := l.workers[h]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-w.done:
		return nil
	default:
	}
	if w.terminated {
		return nil
	}
	w.terminated = true
	if w.cmd.Process != nil {
		if err := w.cmd.Process.Kill(); err != nil {
			l.logger.Warn("killing local worker",
				logging.Field{Key: "handle", Value: string(h)},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}
	return nil
}

// Release drops bookkeeping and the worker's sink artifacts.
func (l *Local) Release(h Handle) {
	l.mu.Lock()
	w, ok := l.workers[h]
	delete(l.workers, h)
	l.mu.Unlock()
	if !ok {
		return
	}
	_ = os.Remove(w.sinkPath)
	_ = os.Remove(filepath.Join(l.cfg.SinkDir, string(h)+".endpoints.json"))
}

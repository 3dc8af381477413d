// Package scheduler drives a scan's chunks through worker launch, polling,
// retry and termination. Pool capacity is a counting semaphore, so the number
// of chunks may exceed the number of concurrently running workers; slot
// acquisition is the primary backpressure point.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/backend"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/governor"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

// ErrWorkerTimeout marks a chunk whose worker outlived its wall-clock
// deadline. Treated exactly like a non-zero exit: retry, then fail.
var ErrWorkerTimeout = errors.New("worker exceeded chunk deadline")

// Config are the structural knobs for the scheduler. They come from the
// environment at startup, not from scan requests.
type Config struct {
	// MaxParallel bounds concurrently running workers
	// (SCANNER_MAX_PARALLEL_CONTAINERS).
	MaxParallel int `yaml:"max_parallel"`

	// RetryCeiling is the number of additional attempts after the first.
	RetryCeiling int `yaml:"retry_ceiling"`

	// ChunkTimeout is each attempt's wall-clock deadline.
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`

	// PollInterval is the fixed worker polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:  3,
		RetryCeiling: 2,
		ChunkTimeout: 15 * time.Minute,
		PollInterval: 3 * time.Second,
	}
}

// Observer receives chunk state changes and findings as they happen. The
// scan manager implements it; the scheduler never touches scan state itself.
type Observer interface {
	ChunkUpdated(c *scan.Chunk)
	FindingReported(chunkID string, f scan.Finding)
}

// Scheduler partitions endpoint sets and runs chunks on a worker backend.
type Scheduler struct {
	cfg     Config
	backend backend.Backend
	logger  logging.Logger
	slots   chan struct{}
}

// New builds a Scheduler over the configured worker backend.
func New(cfg Config, be backend.Backend, logger logging.Logger) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.RetryCeiling < 0 {
		cfg.RetryCeiling = 0
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultConfig().ChunkTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Scheduler{
		cfg:     cfg,
		backend: be,
		logger:  logger,
		slots:   make(chan struct{}, cfg.MaxParallel),
	}
}

// MaxParallel returns the worker pool capacity.
func (s *Scheduler) MaxParallel() int { return s.cfg.MaxParallel }

// RunScan drives every chunk to a terminal status and blocks until all have
// finished or ctx is cancelled. Chunk completion order is unconstrained.
func (s *Scheduler) RunScan(ctx context.Context, sc *scan.Scan, chunks []*scan.Chunk, gov *governor.Governor, obs Observer) {
	budgetShares := gov.BudgetShare(len(chunks))

	// A scan with fewer chunks than worker slots never fills the pool, so
	// the rate share divides by the real concurrency, not the slot count.
	pool := s.cfg.MaxParallel
	if len(chunks) < pool {
		pool = len(chunks)
	}
	rateShare := gov.RateShare(pool)

	var wg sync.WaitGroup
	for i, c := range chunks {
		share := 0
		if budgetShares != nil {
			share = budgetShares[i]
		}
		wg.Add(1)
		go func(c *scan.Chunk, share int) {
			defer wg.Done()
			s.runChunk(ctx, sc, c, gov, share, rateShare, obs)
		}(c, share)
	}
	wg.Wait()
}

// runChunk acquires a pool slot, then runs launch attempts until the chunk
// succeeds, exhausts its retries, runs out of budget, or the scan is
// cancelled.
func (s *Scheduler) runChunk(ctx context.Context, sc *scan.Scan, c *scan.Chunk, gov *governor.Governor, budgetShare int, rateShare float64, obs Observer) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		c.StopReason = scan.StopCancelled
		obs.ChunkUpdated(c)
		return
	}
	defer func() { <-s.slots }()

	log := s.logger.With(logging.Field{Key: "component", Value: "scheduler"})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0 // attempts are bounded by the retry ceiling

	for {
		if gov.Exhausted() {
			// Clean stop, not a failure: budget spent before this chunk ran.
			c.Status = scan.ChunkSucceeded
			c.StopReason = scan.StopBudgetExhausted
			obs.ChunkUpdated(c)
			return
		}

		err := s.attempt(ctx, sc, c, gov, budgetShare, rateShare, obs)
		if err == nil || errors.Is(err, governor.ErrBudgetExhausted) {
			return
		}
		if ctx.Err() != nil {
			c.StopReason = scan.StopCancelled
			obs.ChunkUpdated(c)
			return
		}

		if c.RetryCount >= s.cfg.RetryCeiling {
			c.Status = scan.ChunkFailed
			c.LastError = err.Error()
			obs.ChunkUpdated(c)
			log.Warn("chunk exhausted retries",
				logging.Field{Key: "scan_id", Value: sc.ID},
				logging.Field{Key: "chunk", Value: c.Index},
				logging.Field{Key: "error", Value: err.Error()})
			return
		}

		c.RetryCount++
		c.Status = scan.ChunkRetrying
		c.LastError = err.Error()
		obs.ChunkUpdated(c)
		log.Info("retrying chunk",
			logging.Field{Key: "scan_id", Value: sc.ID},
			logging.Field{Key: "chunk", Value: c.Index},
			logging.Field{Key: "retry", Value: c.RetryCount},
			logging.Field{Key: "error", Value: err.Error()})

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			c.StopReason = scan.StopCancelled
			obs.ChunkUpdated(c)
			return
		}
	}
}

// attempt launches one worker for the chunk and polls it to a terminal
// state. A nil return means the chunk reached a terminal status; a non-nil
// return is a transient failure the caller may retry.
func (s *Scheduler) attempt(ctx context.Context, sc *scan.Scan, c *scan.Chunk, gov *governor.Governor, budgetShare int, rateShare float64, obs Observer) error {
	c.Status = scan.ChunkLaunching
	// Fresh attempt, fresh worker: it re-probes the subset from the start.
	c.CurrentEndpoint = nil
	c.EndpointsDone = 0
	obs.ChunkUpdated(c)

	h, err := s.backend.Launch(ctx, backend.LaunchSpec{
		ScanID:           sc.ID,
		ChunkID:          c.ID,
		TargetURL:        sc.Target,
		Endpoints:        c.Endpoints,
		RateShare:        rateShare,
		MaxRequestsShare: budgetShare,
		Dangerous:        sc.Options.Dangerous,
		FuzzAuth:         sc.Options.FuzzAuth,
	})
	if err != nil {
		return err
	}
	defer s.backend.Release(h)

	c.WorkerHandle = string(h)
	c.Status = scan.ChunkRunning
	obs.ChunkUpdated(c)

	deadline := time.Now().Add(s.cfg.ChunkTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.terminate(h)
			return ctx.Err()
		case <-ticker.C:
		}

		p, err := s.backend.Poll(ctx, h)
		if err != nil {
			// A flaky poll is not a worker failure; the deadline bounds how
			// long we tolerate silence.
			s.logger.Warn("polling worker",
				logging.Field{Key: "chunk", Value: c.Index},
				logging.Field{Key: "error", Value: err.Error()})
			if time.Now().After(deadline) {
				s.terminate(h)
				return ErrWorkerTimeout
			}
			continue
		}

		if stop := s.apply(c, gov, p.Events, obs); stop {
			s.terminate(h)
			c.Status = scan.ChunkSucceeded
			c.StopReason = scan.StopBudgetExhausted
			obs.ChunkUpdated(c)
			return governor.ErrBudgetExhausted
		}

		switch p.State {
		case backend.StateSucceeded:
			c.Status = scan.ChunkSucceeded
			c.CurrentEndpoint = nil
			obs.ChunkUpdated(c)
			return nil
		case backend.StateFailed:
			exitErr := p.ExitErr
			if exitErr == "" {
				exitErr = "non-zero worker exit"
			}
			return errors.New(exitErr)
		}

		if time.Now().After(deadline) {
			s.terminate(h)
			return ErrWorkerTimeout
		}
	}
}

// apply folds a poll's events into chunk progress and the scan budget.
// Findings emitted before any failure are forwarded immediately so partial
// results survive a later chunk failure. Returns true when the budget ran
// out mid-chunk.
func (s *Scheduler) apply(c *scan.Chunk, gov *governor.Governor, events []backend.Event, obs Observer) (budgetSpent bool) {
	changed := false
	for _, ev := range events {
		switch ev.Type {
		case backend.EventProgress:
			if ev.Endpoint != "" {
				c.CurrentEndpoint = &scan.Endpoint{Method: ev.Method, Path: ev.Endpoint}
				if c.EndpointsDone < len(c.Endpoints) {
					c.EndpointsDone++
				}
				changed = true
			}
			if ev.Requests > 0 {
				c.RequestsUsed += ev.Requests
				if _, ok := gov.ConsumeBudget(ev.Requests); !ok {
					budgetSpent = true
				}
				changed = true
			}
		case backend.EventFinding:
			if ev.Finding != nil {
				obs.FindingReported(c.ID, *ev.Finding)
			}
		case backend.EventDone:
			c.CurrentEndpoint = nil
			c.EndpointsDone = len(c.Endpoints)
			changed = true
		}
	}
	if changed && !budgetSpent {
		obs.ChunkUpdated(c)
	}
	return budgetSpent
}

// terminate stops a worker with a bounded, scan-independent context; the
// scan may already be cancelled when we get here.
func (s *Scheduler) terminate(h backend.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.backend.Terminate(ctx, h); err != nil {
		s.logger.Warn("terminating worker",
			logging.Field{Key: "handle", Value: string(h)},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

// Package governor enforces the per-scan rate ceiling and request budget.
// One Governor is built per scan and injected into the scheduler, never a
// process-wide singleton, so concurrent scans do not interfere.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// ErrBudgetExhausted signals that the scan's max_requests budget is spent.
// It is a clean stop signal for chunks, not a worker failure.
var ErrBudgetExhausted = errors.New("request budget exhausted")

// Governor is a shared token bucket plus a monotonically-decreasing request
// budget, keyed by the scan's target host. Every chunk of a scan draws from
// the same instance so parallelism never multiplies the effective rate.
type Governor struct {
	host    string
	limiter *rate.Limiter

	mu        sync.Mutex
	remaining int
	unbounded bool // max_requests <= 0 means no budget cap
}

// New builds a Governor for the given target with the scan's
// requests-per-second ceiling and request budget. maxRequests <= 0 disables
// the budget. rps <= 0 falls back to 1 rps.
func New(target string, rps float64, maxRequests int) *Governor {
	if rps <= 0 {
		rps = 1
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &Governor{
		host:      HostKey(target),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		remaining: maxRequests,
		unbounded: maxRequests <= 0,
	}
}

// HostKey normalizes a target URL to the host the bucket is keyed by.
func HostKey(target string) string {
	target = strings.TrimSpace(target)
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return strings.ToLower(target)
}

// Host returns the target host this governor meters.
func (g *Governor) Host() string { return g.host }

// Acquire blocks until n tokens are available, consuming n from the request
// budget first. Callers are served first-ready, first-served. Returns
// ErrBudgetExhausted once the budget is spent, or the context error if the
// caller is cancelled while waiting.
func (g *Governor) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if _, ok := g.ConsumeBudget(n); !ok {
		return ErrBudgetExhausted
	}
	if err := g.limiter.WaitN(ctx, n); err != nil {
		// WaitN also fails when n exceeds burst; surface that distinctly.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate wait: %w", err)
	}
	return nil
}

// ConsumeBudget debits n requests from the remaining budget. It reports the
// remaining budget and whether the debit fit. A partial fit consumes the
// remainder and reports ok=false, so event-driven accounting from worker
// progress reports can never push the counter negative.
func (g *Governor) ConsumeBudget(n int) (remaining int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unbounded {
		return -1, true
	}
	if g.remaining <= 0 {
		g.remaining = 0
		return 0, false
	}
	if n > g.remaining {
		g.remaining = 0
		return 0, false
	}
	g.remaining -= n
	return g.remaining, true
}

// Remaining returns the unspent request budget, or -1 when unbounded.
func (g *Governor) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unbounded {
		return -1
	}
	return g.remaining
}

// Exhausted reports whether the budget is spent.
func (g *Governor) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unbounded && g.remaining <= 0
}

// RateShare splits the scan's rate ceiling across parallel workers so the
// shares of concurrently running workers sum to the ceiling.
func (g *Governor) RateShare(parallel int) float64 {
	if parallel < 1 {
		parallel = 1
	}
	return float64(g.limiter.Limit()) / float64(parallel)
}

// BudgetShare splits the remaining budget across the given number of chunks,
// handing the remainder to earlier chunks. Returns nil when unbounded.
func (g *Governor) BudgetShare(chunks int) []int {
	if chunks < 1 {
		return nil
	}
	g.mu.Lock()
	remaining := g.remaining
	unbounded := g.unbounded
	g.mu.Unlock()
	if unbounded {
		return nil
	}
	shares := make([]int, chunks)
	base, extra := remaining/chunks, remaining%chunks
	for i := range shares {
		shares[i] = base
		if i < extra {
			shares[i]++
		}
	}
	return shares
}

// Package scheduler turns the page table into a stream of leased jobs:
// it reclaims leases abandoned by crashed workers, selects due pages in
// random order, admits them against the per-domain rate limit, and claims
// the admitted ones in a single conditional update.
//
// The claim is the dispatch: there is no RPC between scheduler and worker.
// A worker process embeds a Scheduler and consumes what ClaimDue returns;
// the standalone `talemon scheduler` process runs only the reclaim loop
// (plus observability sweeps), since worker-side claims cover selection.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/talemon/talemon/internal/ratelimit"
	"github.com/talemon/talemon/internal/store"
)

// Config configures one scheduler instance.
type Config struct {
	// PollInterval is the delay between ticks. Default: 10s.
	PollInterval time.Duration
	// ZombieTimeout is the heartbeat age past which a lease is considered
	// abandoned. Must comfortably exceed the worker heartbeat interval
	// (config validation enforces the inequality). Default: 5m.
	ZombieTimeout time.Duration
	// BatchSize bounds candidate selection per tick. Default: 100.
	BatchSize int
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ZombieTimeout <= 0 {
		c.ZombieTimeout = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Metrics receives scheduler counters; nil callbacks are skipped.
type Metrics struct {
	Reclaimed  func(n int64)
	Dispatched func(n int)
}

// Scheduler selects, admits and claims due pages.
type Scheduler struct {
	st      *store.Store
	limiter *ratelimit.DomainLimiter
	cfg     Config
	owner   string
	metrics Metrics
	now     func() time.Time
}

// New creates a Scheduler. owner is the instance id stamped into claimed
// leases (the worker's identity when embedded in a worker process).
func New(st *store.Store, limiter *ratelimit.DomainLimiter, owner string, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		st:      st,
		limiter: limiter,
		cfg:     cfg,
		owner:   owner,
		now:     time.Now,
	}
}

// SetMetrics installs counter callbacks.
func (s *Scheduler) SetMetrics(m Metrics) { s.metrics = m }

// SetClock overrides the time source; tests use it to drive zombie expiry.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Reclaim releases every lease whose heartbeat is older than ZombieTimeout.
func (s *Scheduler) Reclaim(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.st.ReclaimZombies(ctx, now.Add(-s.cfg.ZombieTimeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.cfg.Logger.Warn("scheduler: reclaimed zombie leases", "count", n)
		if s.metrics.Reclaimed != nil {
			s.metrics.Reclaimed(n)
		}
	}
	return n, nil
}

// ClaimDue runs one selection tick bounded by the configured batch size.
func (s *Scheduler) ClaimDue(ctx context.Context) ([]*store.Page, error) {
	return s.ClaimUpTo(ctx, s.cfg.BatchSize)
}

// ClaimUpTo runs one selection tick: reclaim, select candidates, apply the
// per-domain limit, claim the admitted set. At most limit pages are claimed;
// callers with bounded processing capacity pass their free capacity, so no
// claimed lease ever sits waiting without a heartbeat. Rejected candidates
// stay PENDING and are reconsidered next tick. Returns the pages this
// instance now holds leases on.
func (s *Scheduler) ClaimUpTo(ctx context.Context, limit int) ([]*store.Page, error) {
	if _, err := s.Reclaim(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if limit > s.cfg.BatchSize {
		limit = s.cfg.BatchSize
	}

	now := s.now()
	candidates, err := s.st.DueCandidates(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var admitted []int64
	for _, c := range candidates {
		if s.limiter.Allow(c.Domain) {
			admitted = append(admitted, c.ID)
		}
	}
	if len(admitted) < len(candidates) {
		s.cfg.Logger.Debug("scheduler: rate limit deferred candidates",
			"candidates", len(candidates), "admitted", len(admitted))
	}
	if len(admitted) == 0 {
		return nil, nil
	}

	pages, err := s.st.ClaimPages(ctx, admitted, s.owner, now)
	if err != nil {
		return nil, err
	}
	if len(pages) > 0 {
		s.cfg.Logger.Info("scheduler: dispatched pages", "count", len(pages))
		if s.metrics.Dispatched != nil {
			s.metrics.Dispatched(len(pages))
		}
	}
	return pages, nil
}

// RunReclaimer runs the reclaim-only loop on a ticker. Blocks until ctx is
// cancelled. This is the standalone scheduler process's whole job; each
// tick is idempotent, so crashing mid-tick loses nothing.
func (s *Scheduler) RunReclaimer(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	if _, err := s.Reclaim(ctx); err != nil {
		s.cfg.Logger.Error("scheduler: reclaim", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reclaim(ctx); err != nil {
				s.cfg.Logger.Error("scheduler: reclaim", "error", err)
			}
			s.limiter.Prune(10_000)
		}
	}
}

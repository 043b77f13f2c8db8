package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/talemon/talemon/internal/scheduler"
	"github.com/talemon/talemon/internal/store"
)

// PoolConfig configures the claim-and-process loop.
type PoolConfig struct {
	// Concurrency bounds simultaneous captures. Default: 4.
	Concurrency int
	// PollInterval is the sleep after an empty claim. Default: 10s.
	PollInterval time.Duration
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (c *PoolConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool couples a Scheduler (claim side) with a Worker (capture side): each
// tick claims at most as many due pages as it has free capture slots, so
// every claimed lease starts processing (and heartbeating) immediately.
// Claiming more would leave leases queued with a stale claim-time heartbeat,
// ripe for the zombie reaper to hand to another worker mid-queue.
// The scheduler must have been built with the worker's id as lease owner.
type Pool struct {
	sched *scheduler.Scheduler
	w     *Worker
	cfg   PoolConfig
	sem   chan struct{}
}

// NewPool creates a Pool.
func NewPool(sched *scheduler.Scheduler, w *Worker, cfg PoolConfig) *Pool {
	cfg.defaults()
	return &Pool{
		sched: sched,
		w:     w,
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.Concurrency),
	}
}

// Run claims and processes pages until ctx is cancelled. In-flight captures
// are waited for on shutdown; their leases commit or expire normally.
func (p *Pool) Run(ctx context.Context) {
	log := p.cfg.Logger
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		// Slots only free up between here and the claim, so the claim can
		// never exceed what the semaphore admits without blocking.
		free := cap(p.sem) - len(p.sem)
		if free == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		pages, err := p.sched.ClaimUpTo(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker pool: claim", "error", err)
			pages = nil
		}

		for _, page := range pages {
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				// Never started; the unprocessed lease expires and is
				// reclaimed like any other zombie.
				return
			}
			wg.Add(1)
			go func(page *store.Page) {
				defer wg.Done()
				defer func() { <-p.sem }()
				if err := p.w.Process(ctx, page); err != nil {
					log.Warn("worker pool: attempt abandoned", "page_id", page.ID, "error", err)
				}
			}(page)
		}

		if len(pages) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/talemon/talemon/internal/objstore"
	"github.com/talemon/talemon/internal/ratelimit"
	"github.com/talemon/talemon/internal/scheduler"
	"github.com/talemon/talemon/internal/store"
	"github.com/talemon/talemon/internal/worker"
)

// The pool must never hold claimed leases it is not processing: a lease
// queued behind the semaphore would keep its claim-time heartbeat and get
// reclaimed mid-queue, handing the page to a second worker while the first
// still intends to capture it. Claims are therefore capped at free capture
// slots; the surplus stays PENDING.
func TestPoolClaimsOnlyFreeCapacity(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now()

	urls := []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
	}
	for _, url := range urls {
		if _, err := f.st.CreatePage(ctx, url, objstore.URLHash(url), "example.com", time.Hour, now.Add(-time.Minute)); err != nil {
			t.Fatalf("CreatePage: %v", err)
		}
	}

	started := make(chan string)
	release := make(chan struct{})
	capture := func(ctx context.Context, url string) (*worker.Capture, error) {
		started <- url
		<-release
		return &worker.Capture{
			HTML:       []byte("<html><body>" + url + "</body></html>"),
			MHTML:      []byte("mhtml"),
			Screenshot: []byte("png"),
			HTTPStatus: 200,
		}, nil
	}

	w := f.worker(t, "wrk_pool", capture)
	sched := scheduler.New(f.st, ratelimit.New(1000, time.Second, 1000), "wrk_pool", scheduler.Config{
		ZombieTimeout: time.Minute,
		BatchSize:     10,
	})
	pool := worker.NewPool(sched, w, worker.PoolConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	for i := 0; i < len(urls); i++ {
		<-started

		// One capture in flight, one lease held. The other due pages must
		// still be PENDING, not claimed into a queue.
		processing, err := f.st.ListPages(ctx, store.StatusProcessing, 10)
		if err != nil {
			t.Fatalf("ListPages: %v", err)
		}
		if len(processing) != 1 {
			t.Fatalf("round %d: %d leases held, want 1 (claims must not exceed capacity)", i, len(processing))
		}
		pending, err := f.st.ListPages(ctx, store.StatusPending, 10)
		if err != nil {
			t.Fatalf("ListPages: %v", err)
		}
		if len(pending) != len(urls)-i-1 {
			t.Fatalf("round %d: %d pages pending, want %d", i, len(pending), len(urls)-i-1)
		}

		// The reaper sees no stale lease: the only claim is heartbeating.
		n, err := f.st.ReclaimZombies(ctx, time.Now().Add(-500*time.Millisecond), time.Now())
		if err != nil {
			t.Fatalf("ReclaimZombies: %v", err)
		}
		if n != 0 {
			t.Fatalf("round %d: reclaimed %d leases while all claims were active", i, n)
		}

		release <- struct{}{}
	}

	// Every page captured exactly once.
	deadline := time.After(5 * time.Second)
	for {
		stats, err := f.st.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Monitors == len(urls) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("monitors = %d, want %d", stats.Monitors, len(urls))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	for _, url := range urls {
		p, err := f.st.GetPageByURL(context.Background(), url)
		if err != nil {
			t.Fatalf("GetPageByURL: %v", err)
		}
		mons, err := f.st.ListMonitors(context.Background(), p.ID, 10)
		if err != nil {
			t.Fatalf("ListMonitors: %v", err)
		}
		if len(mons) != 1 {
			t.Errorf("%s captured %d times, want exactly once", url, len(mons))
		}
	}
}

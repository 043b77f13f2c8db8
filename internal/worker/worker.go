// Package worker executes the capture protocol for leased pages: heartbeat,
// fetch, HTTP gate, fingerprint, change decision, object-store upload,
// atomic commit. The browser is injected as a CaptureFunc so tests run the
// full protocol against fakes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talemon/talemon/internal/fingerprint"
	"github.com/talemon/talemon/internal/objstore"
	"github.com/talemon/talemon/internal/safeurl"
	"github.com/talemon/talemon/internal/store"
)

// Capture is the outcome of one browser navigation.
type Capture struct {
	HTML       []byte // raw response DOM serialization
	MHTML      []byte // single-file web archive
	Screenshot []byte // full-page PNG
	HTTPStatus int    // final navigation status
}

// CaptureFunc drives the browser for one URL. It must respect ctx and
// return either a Capture (possibly with a non-2xx status) or an error.
type CaptureFunc func(ctx context.Context, url string) (*Capture, error)

// Config configures one worker instance.
type Config struct {
	// HeartbeatInterval between lease extensions. Default: 30s.
	HeartbeatInterval time.Duration
	// PageTimeout bounds one capture end to end. Default: 60s.
	PageTimeout time.Duration
	// PathPrefix is the first segment of object-store keys. Default: "data".
	PathPrefix string
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 60 * time.Second
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "data"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Metrics receives worker counters; nil callbacks are skipped.
type Metrics struct {
	Captured  func()
	Unchanged func()
	Failed    func()
}

// Worker processes leased pages.
type Worker struct {
	id      string
	st      *store.Store
	blobs   objstore.Store
	fp      *fingerprint.Fingerprinter
	capture CaptureFunc
	cfg     Config
	metrics Metrics
	now     func() time.Time
}

// New creates a Worker. id must equal the lease owner stamp used when the
// page was claimed; every store write is conditional on it.
func New(id string, st *store.Store, blobs objstore.Store, fp *fingerprint.Fingerprinter, capture CaptureFunc, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{
		id:      id,
		st:      st,
		blobs:   blobs,
		fp:      fp,
		capture: capture,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ID returns the worker's instance id (its lease owner stamp).
func (w *Worker) ID() string { return w.id }

// SetMetrics installs counter callbacks.
func (w *Worker) SetMetrics(m Metrics) { w.metrics = m }

// SetClock overrides the time source for tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// Process runs the capture protocol for one leased page. It returns nil on
// every graceful outcome (change, no change, HTTP failure) — those write
// their own audit rows. A non-nil error means the attempt died before the
// commit; the lease is left in place for the zombie reaper.
func (w *Worker) Process(ctx context.Context, page *store.Page) error {
	log := w.cfg.Logger.With("page_id", page.ID, "url", page.URL)

	// The heartbeat goroutine extends the lease until the job context ends.
	// When an extension reports the lease lost, the job is cancelled: any
	// result it might still produce would belong to a revoked lease.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(jobCtx, page.ID, cancel, log)
	}()
	defer func() { cancel(); <-hbDone }()

	// Re-validate at navigation time: the seed check in the admin API does
	// not protect against DNS changes since insertion.
	if err := safeurl.Validate(page.URL); err != nil {
		log.Warn("worker: unsafe url", "error", err)
		return w.fail(ctx, page, nil, err.Error(), log)
	}

	capCtx, capCancel := context.WithTimeout(jobCtx, w.cfg.PageTimeout)
	defer capCancel()

	capt, err := w.capture(capCtx, page.URL)
	if err != nil {
		if jobCtx.Err() != nil {
			// Lease lost or shutdown: abandon without an audit row.
			return fmt.Errorf("worker: capture aborted: %w", err)
		}
		log.Warn("worker: capture failed", "error", err)
		return w.fail(ctx, page, nil, err.Error(), log)
	}

	if capt.HTTPStatus < 200 || capt.HTTPStatus > 299 {
		log.Info("worker: http gate", "status", capt.HTTPStatus)
		return w.fail(ctx, page, &capt.HTTPStatus, "", log)
	}

	res, err := w.fp.Fingerprint(capt.HTML)
	if err != nil {
		log.Warn("worker: fingerprint failed", "error", err)
		return w.fail(ctx, page, &capt.HTTPStatus, err.Error(), log)
	}

	if page.LastCleanHash == res.CleanHash {
		if err := w.st.RecordUnchanged(ctx, page, w.id, w.now(), res.ContentHash, res.CleanHash); err != nil {
			return w.commitErr(err, log)
		}
		log.Info("worker: no change", "clean_hash", res.CleanHash)
		if w.metrics.Unchanged != nil {
			w.metrics.Unchanged()
		}
		return nil
	}

	// Changed or first capture: blobs first, then the referencing rows.
	// Dying between the two leaves orphan blobs, never dangling references.
	capturedAt := w.now()
	base := objstore.BasePath(w.cfg.PathPrefix, page.Hash, capturedAt)
	if err := w.upload(jobCtx, base, capt, res.CleanedDOM); err != nil {
		log.Warn("worker: upload failed", "error", err)
		return fmt.Errorf("worker: upload %s: %w", base, err)
	}

	if err := w.st.RecordSnapshot(ctx, page, w.id, capturedAt, base, res.ContentHash, res.CleanHash); err != nil {
		return w.commitErr(err, log)
	}
	log.Info("worker: change captured", "oss_path", base, "clean_hash", res.CleanHash)
	if w.metrics.Captured != nil {
		w.metrics.Captured()
	}
	return nil
}

// heartbeat extends the lease on a ticker until ctx ends. cancelJob is
// called when the lease is found lost.
func (w *Worker) heartbeat(ctx context.Context, pageID int64, cancelJob func(), log *slog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.st.Heartbeat(ctx, pageID, w.id, w.now())
			if errors.Is(err, store.ErrLeaseLost) {
				log.Warn("worker: lease lost, abandoning job")
				cancelJob()
				return
			}
			if err != nil && ctx.Err() == nil {
				// Transient store error; the lease just ages one interval.
				log.Warn("worker: heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) upload(ctx context.Context, base string, capt *Capture, cleanedDOM []byte) error {
	artifacts := []struct {
		name string
		data []byte
	}{
		{objstore.DOMFile, cleanedDOM},
		{objstore.SourceFile, capt.HTML},
		{objstore.MHTMLFile, capt.MHTML},
		{objstore.ScreenshotFile, capt.Screenshot},
	}
	for _, a := range artifacts {
		if err := w.blobs.Save(ctx, base+a.name, a.data); err != nil {
			return fmt.Errorf("save %s: %w", a.name, err)
		}
	}
	return nil
}

// fail writes the audit-only monitor row and releases the lease. This is a
// graceful terminal path: the page reschedules on its normal interval.
func (w *Worker) fail(ctx context.Context, page *store.Page, httpStatus *int, errMsg string, log *slog.Logger) error {
	if err := w.st.RecordFailure(ctx, page, w.id, w.now(), httpStatus, errMsg); err != nil {
		return w.commitErr(err, log)
	}
	if w.metrics.Failed != nil {
		w.metrics.Failed()
	}
	return nil
}

func (w *Worker) commitErr(err error, log *slog.Logger) error {
	if errors.Is(err, store.ErrLeaseLost) {
		// Reclaimed mid-attempt; the work is wasted but nothing was written.
		log.Warn("worker: commit rejected, lease lost")
		return nil
	}
	return fmt.Errorf("worker: commit: %w", err)
}

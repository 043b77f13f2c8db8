// Package extractor derives structured records from stored snapshots.
// The loop is at-least-once: it polls for snapshots with no PageInfo row
// for its version, extracts, and inserts with conflict dedup, so any number
// of concurrent extractor processes converge on exactly one row per
// (snapshot, version).
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/talemon/talemon/internal/objstore"
	"github.com/talemon/talemon/internal/store"
)

// Func turns a snapshot's cleaned DOM into the structured JSON document
// stored as PageInfo.data.
type Func func(dom []byte) (json.RawMessage, error)

// Config configures the extraction loop.
type Config struct {
	// Version identifies the extraction logic; one PageInfo row exists per
	// (snapshot, version). Default: "v1".
	Version string
	// BatchSize bounds one tick. Default: 50.
	BatchSize int
	// PollInterval is the sleep after an empty tick. Default: 5s.
	PollInterval time.Duration
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Version == "" {
		c.Version = Version1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extractor polls for unextracted snapshots and stores results.
type Extractor struct {
	st      *store.Store
	blobs   objstore.Store
	extract Func
	cfg     Config
	// Extracted is called once per stored info row; nil skips.
	Extracted func()
}

// New creates an Extractor.
func New(st *store.Store, blobs objstore.Store, extract Func, cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{st: st, blobs: blobs, extract: extract, cfg: cfg}
}

// Tick processes one batch and returns how many snapshots it handled.
// A snapshot whose blob read or extraction fails is logged and skipped; the
// anti-join selects it again next tick.
func (e *Extractor) Tick(ctx context.Context) (int, error) {
	snaps, err := e.st.UnextractedSnapshots(ctx, e.cfg.Version, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("extractor: select batch: %w", err)
	}

	done := 0
	for _, snap := range snaps {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := e.one(ctx, snap); err != nil {
			e.cfg.Logger.Warn("extractor: snapshot skipped",
				"snapshot_id", snap.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (e *Extractor) one(ctx context.Context, snap *store.Snapshot) error {
	dom, err := e.blobs.Read(ctx, snap.OSSPath+objstore.DOMFile)
	if err != nil {
		return fmt.Errorf("read dom: %w", err)
	}

	data, err := e.extract(dom)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	inserted, err := e.st.InsertInfo(ctx, snap.ID, e.cfg.Version, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert info: %w", err)
	}
	if inserted {
		e.cfg.Logger.Info("extractor: info stored",
			"snapshot_id", snap.ID, "version", e.cfg.Version)
		if e.Extracted != nil {
			e.Extracted()
		}
	}
	// A lost race with another extractor is success: the row exists.
	return nil
}

// Run polls until ctx is cancelled, sleeping PollInterval after empty or
// failed ticks.
func (e *Extractor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := e.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			e.cfg.Logger.Error("extractor: tick", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.PollInterval):
			}
		}
	}
}

// Command talemon runs the traceable web-data collection pipeline.
//
// Usage:
//
//	talemon initdb    -config talemon.yaml   # create the state store and exit
//	talemon scheduler -config talemon.yaml   # zombie reaper + retention sweeps
//	talemon worker    -config talemon.yaml   # claim, capture, commit
//	talemon extractor -config talemon.yaml   # derive structured records
//	talemon admin     -config talemon.yaml   # operator HTTP API
//
// The config path defaults to the TALEMON_CONFIG environment variable.
// Exit code 0 on clean shutdown, 1 on fatal config or connectivity failure.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talemon/talemon/internal/adminapi"
	"github.com/talemon/talemon/internal/browser"
	"github.com/talemon/talemon/internal/config"
	"github.com/talemon/talemon/internal/dbopen"
	"github.com/talemon/talemon/internal/extractor"
	"github.com/talemon/talemon/internal/fingerprint"
	"github.com/talemon/talemon/internal/idgen"
	"github.com/talemon/talemon/internal/objstore"
	"github.com/talemon/talemon/internal/observability"
	"github.com/talemon/talemon/internal/ratelimit"
	"github.com/talemon/talemon/internal/scheduler"
	"github.com/talemon/talemon/internal/store"
	"github.com/talemon/talemon/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TALEMON_CONFIG"), "path to talemon.yaml")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var run func(context.Context, *config.Config, *slog.Logger) error
	switch cmd {
	case "initdb":
		run = runInitDB
	case "scheduler":
		run = runScheduler
	case "worker":
		run = runWorker
	case "extractor":
		run = runExtractor
	case "admin":
		run = runAdmin
	default:
		usage()
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("talemon: fatal", "cmd", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: talemon <initdb|scheduler|worker|extractor|admin> [-config talemon.yaml]")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the state store and applies the schema idempotently.
func openStore(cfg *config.Config) (*sql.DB, *store.Store, error) {
	db, err := dbopen.Open(cfg.Store.Path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplySchema(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init observability: %w", err)
	}
	return db, store.New(db), nil
}

func runInitDB(_ context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("talemon: state store initialised", "path", cfg.Store.Path)
	return nil
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	instanceID := idgen.Prefixed("sch_", idgen.Default)()
	metrics := observability.NewMetrics(db, 100, 5*time.Second)
	defer metrics.Close()

	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Burst)
	sched := scheduler.New(st, limiter, instanceID, scheduler.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		ZombieTimeout: cfg.Scheduler.ZombieTimeout,
		BatchSize:     cfg.Scheduler.BatchSize,
		Logger:        logger,
	})
	sched.SetMetrics(scheduler.Metrics{
		Reclaimed: func(n int64) { metrics.Count(observability.MetricZombiesReclaimed, float64(n)) },
	})

	go observability.NewHeartbeatWriter(db, "scheduler", instanceID, 15*time.Second).Run(ctx)
	go retentionLoop(ctx, db, metrics, logger)

	logger.Info("talemon: scheduler started", "instance", instanceID,
		"zombie_timeout", cfg.Scheduler.ZombieTimeout.String())
	sched.RunReclaimer(ctx)
	logger.Info("talemon: scheduler stopped")
	return nil
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := objstore.New(objstore.Config{
		Backend: cfg.ObjStore.Backend,
		RootDir: cfg.ObjStore.RootDir,
		Bucket:  cfg.ObjStore.Bucket,
	})
	if err != nil {
		return err
	}

	fp, err := fingerprint.New(fingerprint.Config{
		StripTags:    cfg.Hasher.StripTags,
		AdSelectors:  cfg.Hasher.AdSelectors,
		ExtractAttrs: cfg.Hasher.ExtractAttrs,
	})
	if err != nil {
		return err
	}

	mgr := browser.NewManager(browser.Config{
		UserDataDir:   cfg.Browser.UserDataDir,
		ExtensionsDir: cfg.Browser.ExtensionsDir,
		Headless:      *cfg.Browser.Headless,
		WindowWidth:   cfg.Browser.WindowWidth,
		WindowHeight:  cfg.Browser.WindowHeight,
		MaxMemoryMB:   cfg.Browser.MaxMemoryMB,
		MaxAge:        cfg.Browser.MaxAge,
		Logger:        logger,
	})
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	capture := func(ctx context.Context, url string) (*worker.Capture, error) {
		res, err := mgr.Capture(ctx, url, browser.CaptureConfig{
			NetworkIdleTimeout: cfg.Worker.NetworkIdleTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &worker.Capture{
			HTML:       res.HTML,
			MHTML:      res.MHTML,
			Screenshot: res.Screenshot,
			HTTPStatus: res.HTTPStatus,
		}, nil
	}

	instanceID := idgen.Prefixed("wrk_", idgen.Default)()
	metrics := observability.NewMetrics(db, 100, 5*time.Second)
	defer metrics.Close()

	// The worker embeds the claim side of the scheduler: the claim itself
	// is the dispatch, stamped with this worker's id.
	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Burst)
	sched := scheduler.New(st, limiter, instanceID, scheduler.Config{
		PollInterval:  cfg.Worker.PollInterval,
		ZombieTimeout: cfg.Scheduler.ZombieTimeout,
		BatchSize:     cfg.Worker.BatchSize,
		Logger:        logger,
	})
	sched.SetMetrics(scheduler.Metrics{
		Reclaimed:  func(n int64) { metrics.Count(observability.MetricZombiesReclaimed, float64(n)) },
		Dispatched: func(n int) { metrics.Count(observability.MetricPagesDispatched, float64(n)) },
	})

	w := worker.New(instanceID, st, blobs, fp, capture, worker.Config{
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PageTimeout:       cfg.Worker.PageTimeout,
		PathPrefix:        cfg.ObjStore.Prefix,
		Logger:            logger,
	})
	w.SetMetrics(worker.Metrics{
		Captured:  func() { metrics.Count(observability.MetricPagesCaptured, 1) },
		Unchanged: func() { metrics.Count(observability.MetricPagesUnchanged, 1) },
		Failed:    func() { metrics.Count(observability.MetricAttemptsFailed, 1) },
	})

	go observability.NewHeartbeatWriter(db, "worker", instanceID, 15*time.Second).Run(ctx)

	pool := worker.NewPool(sched, w, worker.PoolConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		Logger:       logger,
	})

	logger.Info("talemon: worker started", "instance", instanceID,
		"concurrency", cfg.Worker.Concurrency)
	pool.Run(ctx)
	logger.Info("talemon: worker stopped")
	return nil
}

func runExtractor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := objstore.New(objstore.Config{
		Backend: cfg.ObjStore.Backend,
		RootDir: cfg.ObjStore.RootDir,
		Bucket:  cfg.ObjStore.Bucket,
	})
	if err != nil {
		return err
	}

	if cfg.Extractor.Version != extractor.Version1 {
		return fmt.Errorf("unknown extractor version %q", cfg.Extractor.Version)
	}

	instanceID := idgen.Prefixed("ext_", idgen.Default)()
	metrics := observability.NewMetrics(db, 100, 5*time.Second)
	defer metrics.Close()

	ex := extractor.New(st, blobs, extractor.ExtractV1, extractor.Config{
		Version:      cfg.Extractor.Version,
		BatchSize:    cfg.Extractor.BatchSize,
		PollInterval: cfg.Extractor.PollInterval,
		Logger:       logger,
	})
	ex.Extracted = func() { metrics.Count(observability.MetricSnapshotsExtracted, 1) }

	go observability.NewHeartbeatWriter(db, "extractor", instanceID, 15*time.Second).Run(ctx)

	logger.Info("talemon: extractor started", "instance", instanceID,
		"version", cfg.Extractor.Version)
	ex.Run(ctx)
	logger.Info("talemon: extractor stopped")
	return nil
}

func runAdmin(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := observability.NewMetrics(db, 100, 5*time.Second)
	defer metrics.Close()

	srv := adminapi.New(st, metrics, adminapi.Config{
		Token:  cfg.Admin.Token,
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("talemon: admin api started", "addr", cfg.Admin.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("talemon: admin api stopped")
	return nil
}

// retentionLoop sweeps old metrics and heartbeats daily. Runs in the
// scheduler process, the one logical singleton of the deployment.
func retentionLoop(ctx context.Context, db *sql.DB, metrics *observability.Metrics, logger *slog.Logger) {
	const retention = 14 * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := metrics.Cleanup(ctx, retention); err != nil {
				logger.Warn("talemon: metrics cleanup", "error", err)
			} else if n > 0 {
				logger.Info("talemon: metrics cleaned", "rows", n)
			}
			if n, err := observability.CleanupHeartbeats(ctx, db, retention); err != nil {
				logger.Warn("talemon: heartbeat cleanup", "error", err)
			} else if n > 0 {
				logger.Info("talemon: heartbeats cleaned", "rows", n)
			}
		}
	}
}

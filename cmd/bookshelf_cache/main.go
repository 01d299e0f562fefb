package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	"github.com/italolelis/bookshelf_cache/internal/blobstore"
	"github.com/italolelis/bookshelf_cache/internal/config"
	"github.com/italolelis/bookshelf_cache/internal/downloader"
	"github.com/italolelis/bookshelf_cache/internal/eviction"
	"github.com/italolelis/bookshelf_cache/internal/http/rest"
	"github.com/italolelis/bookshelf_cache/internal/index/sqlite"
	"github.com/italolelis/bookshelf_cache/internal/logctx"
	"github.com/italolelis/bookshelf_cache/internal/reconcile"
	"github.com/italolelis/bookshelf_cache/internal/source"
	"github.com/italolelis/bookshelf_cache/internal/space"
	"github.com/italolelis/bookshelf_cache/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("bookshelf cache starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Storage Backend
	store, err := blobstore.New(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to open cache root: %w", err)
	}

	// One manager instance per managed root. The lock keeps a second process
	// from evicting files out from under this one.
	rootLock := flock.New(filepath.Join(store.Root(), ".bookshelf_cache.lock"))

	locked, err := rootLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock cache root: %w", err)
	}

	if !locked {
		return fmt.Errorf("cache root %s is managed by another process", store.Root())
	}
	defer rootLock.Unlock()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "bookshelf_cache",
		ServiceVersion: "dev",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Start Cache Index
	indexPath := cfg.IndexPath
	if !filepath.IsAbs(indexPath) {
		indexPath = filepath.Join(store.Root(), indexPath)
	}

	database, rebuilt, err := sqlite.Open(indexPath)
	if err != nil {
		return fmt.Errorf("failed to open cache index: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedEntryRepository(database, tel)

	reconciler := reconcile.New(repo, store)

	if rebuilt {
		logger.Warn("cache index was unreadable, rebuilding from directory scan")

		if err := reconciler.Rebuild(ctx); err != nil {
			return fmt.Errorf("failed to rebuild cache index: %w", err)
		}
	}

	// =========================================================================
	// Start Download Manager
	monitor := space.NewMonitor(store.Root(), cfg.ReserveBytes)
	evictor := eviction.NewEngine(repo, store, monitor, tel)

	manager := downloader.NewManager(
		repo,
		store,
		evictor,
		source.NewClient(cfg.SourceToken),
		tel,
		downloader.Options{
			MaxParallel:     cfg.MaxParallel,
			MaxAttempts:     cfg.MaxAttempts,
			TransferTimeout: cfg.TransferTimeout,
			RetryBaseDelay:  cfg.RetryBaseDelay,
			RetryMaxDelay:   cfg.RetryMaxDelay,
		},
	)

	manager.Start(ctx)

	logEvents(ctx, manager)

	// =========================================================================
	// Start Reconciliation
	go reconciler.Run(ctx, cfg.ReconcileInterval)

	go watchDiskSpace(ctx, monitor, tel, cfg.ReconcileInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("cache manager ready",
		"cache_dir", store.Root(),
		"max_parallel", cfg.MaxParallel,
		"reserve_bytes", cfg.ReserveBytes,
		"reconcile_interval", cfg.ReconcileInterval.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		manager.Wait()

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *downloader.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewCacheHandler(cfg.API.Username, cfg.API.Password, manager, tel)

	r := chi.NewRouter()
	r.Mount("/v1", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "bookshelf_cache"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// logEvents drains the manager's event stream into the service log.
func logEvents(ctx context.Context, manager *downloader.Manager) {
	logger := logctx.LoggerFromContext(ctx)
	events, stop := manager.Subscribe()

	go func() {
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}

				switch event.Type {
				case downloader.EventCompleted:
					logger.Info("download finished", "key", event.Key.String(), "path", event.Path)
				case downloader.EventFailed:
					logger.Error("download failed", "key", event.Key.String(), "err", event.Err)
				case downloader.EventCancelled:
					logger.Info("download cancelled", "key", event.Key.String())
				case downloader.EventProgress:
					logger.Debug("download progress", "key", event.Key.String(), "progress", event.Progress)
				}
			}
		}
	}()
}

// watchDiskSpace publishes the free-space gauge alongside each sweep.
func watchDiskSpace(ctx context.Context, monitor *space.Monitor, tel *telemetry.Telemetry, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			available, err := monitor.AvailableBytes()
			if err != nil {
				logger.Error("failed to query free space", "err", err)

				continue
			}

			tel.RecordDiskAvailable(available)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_manager/internal/cleanup"
	"github.com/italolelis/download_manager/internal/config"
	"github.com/italolelis/download_manager/internal/fetch"
	"github.com/italolelis/download_manager/internal/http/rest"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/queue"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/sqlite"
	"github.com/italolelis/download_manager/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(baseHandler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("download manager starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	repo, closeDB := openRepository(ctx, cfg, tel)
	defer closeDB()

	// =========================================================================
	// Start Scheduler
	fetcher := fetch.NewHTTPFetcher(ctx, fetch.Config{
		Dir:              cfg.DownloadDir,
		RetryMax:         cfg.Fetch.RetryMax,
		RetryWaitMin:     cfg.Fetch.RetryWaitMin,
		RetryWaitMax:     cfg.Fetch.RetryWaitMax,
		ProgressInterval: cfg.Fetch.ProgressInterval,
	})

	scheduler := queue.NewScheduler(ctx, fetcher, repo, cfg.MaxConcurrent, queue.WithTelemetry(tel))
	defer scheduler.Close()

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		watcher := notifier.NewWatcher(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), 64)
		unsubscribe := scheduler.Subscribe(watcher.Observe)
		defer unsubscribe()

		g.Go(func() error {
			watcher.Run(gctx)

			return nil
		})
	}

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(gctx, scheduler, cfg.HistoryRetention, cfg.CleanupInterval)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, scheduler, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrent,
		"retention", cfg.HistoryRetention.String(),
	)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// openRepository falls back to an in-memory queue when the database cannot be opened.
func openRepository(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (storage.DownloadRepository, func()) {
	logger := logctx.LoggerFromContext(ctx)

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error, downloads will not survive a restart", "path", cfg.DBPath, "err", err)
		tel.RecordSystemError("storage", "init")

		return nil, func() {}
	}

	return sqlite.NewInstrumentedDownloadRepository(database, tel), func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "err", err)
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, scheduler *queue.Scheduler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(cfg.API.Username, cfg.API.Password, scheduler)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(tel.Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "download_manager"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

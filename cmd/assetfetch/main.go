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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/assetfetch/internal/cleanup"
	"github.com/italolelis/assetfetch/internal/config"
	"github.com/italolelis/assetfetch/internal/downloader"
	"github.com/italolelis/assetfetch/internal/http/rest"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/notifier"
	"github.com/italolelis/assetfetch/internal/scheduler"
	"github.com/italolelis/assetfetch/internal/serial"
	"github.com/italolelis/assetfetch/internal/storage"
	"github.com/italolelis/assetfetch/internal/storage/sqlite"
	"github.com/italolelis/assetfetch/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewHandler(os.Stdout, cfg.SlogLevel()))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("assetfetch starting...", "log_level", cfg.LogLevel, "version", version)

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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)
	instanceID := storage.GenerateInstanceID()

	// =========================================================================
	// Sweep partial files left by crashed runs
	swept, err := cleanup.DeletePartialFiles(ctx, repo, instanceID)
	if err != nil {
		logger.Error("failed to sweep partial files", "err", err)
	} else if swept > 0 {
		logger.Info("swept partial files of abandoned downloads", "count", swept)
	}

	// =========================================================================
	// Start Download Manager
	loop := scheduler.NewLoop(logger)

	manager, err := downloader.NewManager(downloader.ManagerConfig{
		Root:       cfg.DownloadDir,
		InstanceID: instanceID,
		Defaults:   buildTaskOptions(ctx, cfg, loop, tel),
		Repo:       repo,
		Notifier:   buildNotifier(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create download manager: %w", err)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, manager, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		if err := loop.Run(gctx, cfg.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutdown started")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()

			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"retries", cfg.RetryCount,
		"tick_interval", cfg.TickInterval.String(),
		"instance_id", instanceID,
	)

	err = g.Wait()

	// Discards are delivered through the loop, which has stopped by now.
	if n := manager.DiscardAll(); n > 0 {
		logger.Info("discarded active downloads", "count", n)
	}

	loop.Tick()
	manager.Wait()

	return err
}

func buildTaskOptions(ctx context.Context, cfg *config.Config, bridge scheduler.Bridge, tel *telemetry.Telemetry) downloader.Options {
	opts := downloader.DefaultOptions()
	opts.Retries = cfg.RetryCount
	opts.Timeout = cfg.Timeout
	opts.ReadWriteTimeout = cfg.ReadWriteTimeout
	opts.RejectDuplicatePaths = cfg.RejectDuplicatePaths
	opts.Allocator = serial.NewAllocator()
	opts.Bridge = bridge
	opts.Paths = downloader.NewPathRegistry()
	opts.Telemetry = tel
	opts.Client = downloader.NewHTTPClient(ctx, downloader.ClientOptions{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})

	if cfg.RateLimit > 0 {
		opts.Limiter = ratelimit.NewBucketWithRate(float64(cfg.RateLimit), cfg.RateLimit)
	}

	return opts
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *downloader.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(manager, cfg.Web.Username, cfg.Web.Password).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "assetfetch"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// Command engine runs the sponsorship verification engine: the job worker
// that drives agreement lifecycles plus the internal HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sponsorflow/agreement"
	"sponsorflow/auth"
	"sponsorflow/db"
	"sponsorflow/escrow"
	"sponsorflow/httpapi"
	"sponsorflow/jobs"
	"sponsorflow/notify"
	"sponsorflow/snapshot"
	"sponsorflow/verify"
)

type config struct {
	databaseURL   string
	listenAddr    string
	migrationsDir string
	snapshotURL   string
	escrowURL     string
	notifyURL     string
	jwtSecret     string
}

func loadConfig() config {
	return config{
		databaseURL:   os.Getenv("DATABASE_URL"),
		listenAddr:    envOr("LISTEN_ADDR", ":8080"),
		migrationsDir: envOr("MIGRATIONS_DIR", "migrations"),
		snapshotURL:   os.Getenv("SNAPSHOT_URL"),
		escrowURL:     os.Getenv("ESCROW_URL"),
		notifyURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		jwtSecret:     os.Getenv("JWT_SECRET"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := loadConfig()
	if cfg.databaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.jwtSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.migrationsDir != "" {
		if err := db.RunMigrations(ctx, pool, cfg.migrationsDir); err != nil {
			slog.Error("apply migrations", "error", err)
			os.Exit(1)
		}
	}

	repo := agreement.NewRepository(pool)
	queue := jobs.NewQueue(pool)

	provider, images := buildSnapshot(cfg)
	controller := buildEscrow(cfg)
	sink := buildSink(cfg)

	service := verify.NewService(repo, queue, controller, sink, provider, images, verify.DefaultConfig())

	worker := jobs.NewWorker(queue, jobs.DefaultWorkerConfig())
	service.RegisterHandlers(worker)
	if err := worker.Start(ctx); err != nil {
		slog.Error("start worker", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewService(auth.NewRepository(pool), cfg.jwtSecret)
	api := httpapi.NewServer(service, repo, tokens)

	httpSrv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("http listening", "addr", cfg.listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	worker.Stop()
}

// buildSnapshot picks the live host client when SNAPSHOT_URL is set and the
// in-memory simulator otherwise. The simulator keeps local development and
// demo environments off the real profile host.
func buildSnapshot(cfg config) (snapshot.Provider, snapshot.ImageFetcher) {
	if cfg.snapshotURL == "" {
		slog.Warn("SNAPSHOT_URL not set, using simulated profile provider")
		sim := snapshot.NewSimulated()
		return sim, sim
	}
	p, err := snapshot.NewHTTPProvider(cfg.snapshotURL, 15*time.Second)
	if err != nil {
		slog.Error("build snapshot provider", "error", err)
		os.Exit(1)
	}
	return p, p
}

func buildEscrow(cfg config) escrow.Controller {
	if cfg.escrowURL == "" {
		slog.Warn("ESCROW_URL not set, escrow mirroring disabled")
		return escrow.Noop{}
	}
	c, err := escrow.NewHTTPController(cfg.escrowURL, 10*time.Second)
	if err != nil {
		slog.Error("build escrow controller", "error", err)
		os.Exit(1)
	}
	return c
}

func buildSink(cfg config) notify.Sink {
	if cfg.notifyURL == "" {
		return notify.LogSink{}
	}
	s, err := notify.NewWebhookSink(cfg.notifyURL, 10*time.Second)
	if err != nil {
		slog.Error("build notification sink", "error", err)
		os.Exit(1)
	}
	return s
}

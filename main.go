// main.go - Entry point and dependency injection
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/sstent/pacetrack-go/internal/clock"
	"github.com/sstent/pacetrack-go/internal/config"
	"github.com/sstent/pacetrack-go/internal/database"
	"github.com/sstent/pacetrack-go/internal/location"
	"github.com/sstent/pacetrack-go/internal/logging"
	"github.com/sstent/pacetrack-go/internal/remote"
	"github.com/sstent/pacetrack-go/internal/runsync"
	"github.com/sstent/pacetrack-go/internal/tracker"
	"github.com/sstent/pacetrack-go/internal/web"
)

type App struct {
	cfg      *config.Config
	db       *database.SQLiteDB
	repo     *runsync.Repository
	tracker  *tracker.Tracker
	cron     *cron.Cron
	server   *http.Server
	shutdown chan os.Signal

	// ctx bounds scheduled sync passes; stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

func main() {
	configFile := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	flag.Parse()

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment variables")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	app := &App{
		cfg:      cfg,
		shutdown: make(chan os.Signal, 1),
	}

	if err := app.init(); err != nil {
		slog.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}

	signal.Notify(app.shutdown, os.Interrupt, syscall.SIGTERM)
	app.start()

	<-app.shutdown
	app.stop()
}

func (app *App) init() error {
	cfg := app.cfg
	app.ctx, app.cancel = context.WithCancel(context.Background())

	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := database.NewSQLiteDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	app.db = db

	var opts []remote.Option
	if cfg.Remote.Token != "" {
		opts = append(opts, remote.WithToken(cfg.Remote.Token))
	}
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout, opts...)

	app.repo = runsync.NewRepository(db, client, cfg.Sync.UploadTimeout)
	importer := runsync.NewImporter(app.repo, cfg.Database.DataDir)

	source, feeder, err := newLocationSource(cfg.Tracking)
	if err != nil {
		return err
	}
	app.tracker = tracker.New(source, clock.NewRealtime(cfg.Tracking.TickInterval), app.repo,
		tracker.WithLocationInterval(cfg.Tracking.LocationInterval))

	app.cron = cron.New()
	if _, err := app.cron.AddFunc(cfg.Sync.RetrySchedule, app.retryPending); err != nil {
		return fmt.Errorf("invalid sync.retry_schedule: %w", err)
	}
	if _, err := app.cron.AddFunc(cfg.Sync.RefreshSchedule, app.refresh); err != nil {
		return fmt.Errorf("invalid sync.refresh_schedule: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	web.NewWebHandler(app.repo, importer, app.tracker, feeder).RegisterRoutes(router)

	app.server = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	return nil
}

// newLocationSource returns the feeder only for push sources; a replayed
// track cannot take device fixes.
func newLocationSource(cfg config.TrackingConfig) (tracker.LocationSource, web.FixFeeder, error) {
	if cfg.Source == config.SourceReplay {
		replay, err := location.NewReplayFile(cfg.ReplayFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load replay track: %w", err)
		}
		slog.Info("replaying recorded track", "file", cfg.ReplayFile, "points", replay.Remaining())
		return replay, nil, nil
	}
	push := location.NewPush(0)
	return push, push, nil
}

func (app *App) start() {
	app.cron.Start()

	// Converge whatever was left pending by the previous process.
	app.jobs.Add(1)
	go func() {
		defer app.jobs.Done()
		app.retryPending()
	}()

	go func() {
		slog.Info("server starting", "addr", app.cfg.Server.Addr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			app.shutdown <- syscall.SIGTERM
		}
	}()
}

func (app *App) retryPending() {
	report, err := app.repo.RetryPending(app.ctx)
	if err != nil {
		slog.Warn("retry pass incomplete", "uploaded", report.Uploaded, "deleted", report.Deleted, "failed", report.Failed, "error", err)
		return
	}
	if report.Uploaded+report.Deleted > 0 {
		slog.Info("retry pass complete", "uploaded", report.Uploaded, "deleted", report.Deleted)
	}
}

func (app *App) refresh() {
	slog.Info("starting scheduled refresh")
	if err := app.repo.RefreshFromRemote(app.ctx); err != nil {
		slog.Warn("refresh failed", "error", err)
	}
}

func (app *App) stop() {
	slog.Info("shutting down")

	// Wait for running cron jobs
	app.cancel()
	<-app.cron.Stop().Done()
	app.jobs.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	app.tracker.Close()

	// Uploads still in flight stay pending and are retried on next start.
	if err := app.repo.Close(ctx); err != nil {
		slog.Warn("background sync interrupted", "error", err)
	}

	if err := app.db.Close(); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("shutdown complete")
}

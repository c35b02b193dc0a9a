/*
main.go - Application entry point

PURPOSE:
  Starts the benefit engine: configuration, storage, reconciliation
  service, cron wakes, and the HTTP API. Handles graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Initialize logger
  3. Open the store (sqlite or postgres); it also serves as the
     reminder outbox and the run log
  4. Optionally seed benefits from a JSON file
  5. Run a foreground reconciliation before serving; a failure is logged
     and retried by the scheduler, it does not stop startup
  6. Start the cron scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -seed    JSON array of benefit sources to create on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop cron wakes, close the service (running pass is cancelled)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/benefits.db" -seed=./benefits.json
  DB_DRIVER=postgres DATABASE_URL=postgres://localhost/benefits ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - reconcile/service.go: Reconciliation service
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/benefit-engine/api"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/clock"
	"github.com/warp/benefit-engine/config"
	"github.com/warp/benefit-engine/factory"
	"github.com/warp/benefit-engine/logger"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reconcile"
	"github.com/warp/benefit-engine/reminder"
	"github.com/warp/benefit-engine/store/postgres"
	"github.com/warp/benefit-engine/store/sqlite"
)

// backend is what both stores provide.
type backend interface {
	benefit.Repository
	notify.Center
	reconcile.RunLog
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	seed := flag.String("seed", "", "JSON file of benefit sources to create on startup")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath

	logger.Init(cfg)
	log := logger.Get()

	if err := run(cfg, *seed, log); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
}

// run owns every resource it opens, so an error return still closes them.
func run(cfg *config.AppConfig, seed string, log logrus.FieldLogger) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	clk := clock.NewReal()
	svc := reconcile.NewService(store, store, store, clk, log, serviceOptions(cfg))
	defer svc.Close()

	ctx := context.Background()
	if seed != "" {
		if err := seedBenefits(ctx, svc, seed, log); err != nil {
			return fmt.Errorf("failed to seed benefits: %w", err)
		}
	}

	startupReconcile(ctx, svc, log)

	scheduler, err := reconcile.NewScheduler(svc, log, cfg.CronSpecReconcile, cfg.CronSpecDelivery)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(api.NewHandler(svc, clk, log)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
	return nil
}

// startupReconcile runs the foreground pass. A failure is logged and kept in
// the service status; the scheduler and user refreshes retry it.
func startupReconcile(ctx context.Context, svc *reconcile.Service, log logrus.FieldLogger) {
	report, err := svc.Reconcile(ctx, reconcile.TriggerForeground)
	if err != nil {
		log.WithError(err).Warn("Startup reconciliation failed, serving stored state")
		return
	}
	log.WithFields(logrus.Fields{
		"benefits": report.Benefits,
		"reset":    report.Reset,
		"created":  report.Created,
		"failures": report.Failures,
	}).Info("Startup reconciliation complete")
}

func openStore(cfg *config.AppConfig) (backend, error) {
	if cfg.DBDriver == "postgres" {
		return postgres.New(cfg.DatabaseURL, postgres.WithCeiling(cfg.PlatformCeiling))
	}
	return sqlite.New(cfg.DBPath, sqlite.WithCeiling(cfg.PlatformCeiling))
}

func serviceOptions(cfg *config.AppConfig) reconcile.Options {
	return reconcile.Options{
		Capacity:      cfg.MaxScheduled,
		LookaheadDays: cfg.LookaheadDays,
		ReminderHour:  cfg.ReminderHour,
		UndoWindow:    cfg.UndoWindow,
		StepTimeout:   cfg.StepTimeout,
		Weights: reminder.Weights{
			ValueDivisor:      cfg.ValueDivisor,
			UrgencyWindowDays: cfg.UrgencyWindowDays,
			UrgencyWeight:     cfg.UrgencyWeight,
		},
	}
}

// seedBenefits creates each source in path. Ids that already exist are
// skipped so a restart with the same file is harmless.
func seedBenefits(ctx context.Context, svc *reconcile.Service, path string, log logrus.FieldLogger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	bs, err := factory.NewBenefitFactory().ParseBenefits(data)
	if err != nil {
		return err
	}

	created := 0
	for _, b := range bs {
		if _, err := svc.CreateBenefit(ctx, b); err != nil {
			if errors.Is(err, benefit.ErrConcurrentModification) {
				continue
			}
			return fmt.Errorf("benefit %s: %w", b.ID, err)
		}
		created++
	}
	log.WithFields(logrus.Fields{"file": path, "created": created, "total": len(bs)}).Info("Seeded benefits")
	return nil
}

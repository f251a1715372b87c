package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/subscription-sync/internal/billing"
	"github.com/PortNumber53/subscription-sync/internal/config"
	"github.com/PortNumber53/subscription-sync/internal/handlers"
	"github.com/PortNumber53/subscription-sync/internal/httpserver"
	"github.com/PortNumber53/subscription-sync/internal/mailer"
	"github.com/PortNumber53/subscription-sync/internal/migrations"
	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
	"github.com/PortNumber53/subscription-sync/internal/stripe"
	"github.com/PortNumber53/subscription-sync/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatalf("failed to apply database migrations: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		log.Fatalf("failed to create plan store: %v", err)
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		log.Fatalf("failed to create job store: %v", err)
	}

	if cfg.Billing.StripeWebhookSecret == "" {
		log.Printf("[stripe] STRIPE_WEBHOOK_SECRET is not set; every webhook delivery will be rejected")
	}
	provider := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
		Timeout:       cfg.Billing.ProviderTimeout,
	})

	sender, err := mailer.New(cfg.Billing.Mail)
	if err != nil {
		log.Fatalf("failed to configure mailer: %v", err)
	}

	jobWorker := worker.New(worker.DefaultConfig(), jobs)
	jobWorker.SetInstrumentation(&worker.Instrumentation{
		OnHeartbeat: func(workerID string, stats worker.Stats) {
			log.Printf("[worker] %s heartbeat: processed=%d succeeded=%d failed=%d retried=%d active=%d",
				workerID, stats.JobsProcessed, stats.JobsSucceeded, stats.JobsFailed, stats.JobsRetried, stats.ActiveWorkers)
		},
	})

	svc, err := billing.NewService(billing.Deps{
		Users:         st,
		Plans:         plans,
		Subscriptions: st,
		Payments:      st,
		Provider:      provider,
		Notifier:      worker.NewQueuedNotifier(jobWorker),
		SuccessURL:    cfg.Billing.CheckoutSuccessURL,
		CancelURL:     cfg.Billing.CheckoutCancelURL,
	})
	if err != nil {
		log.Fatalf("failed to create billing service: %v", err)
	}

	worker.RegisterBillingJobs(jobWorker, svc, st, sender)
	worker.RegisterCleanupJob(jobWorker, jobs, worker.JobRetention)

	srv := httpserver.New(cfg, handlers.NewBillingHandler(svc, st), jobs, jobWorker)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobWorker.Schedule(shutdownCtx, models.JobTypeTrialUpgradeSweep, cfg.Billing.TrialSweepInterval, worker.NewTrialSweepJob)
	jobWorker.Schedule(shutdownCtx, models.JobTypeQueueCleanup, 24*time.Hour, worker.NewQueueCleanupJob)

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("subscription-sync starting on %s", cfg.ServerAddress)
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server exited with error: %v", err)
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Printf("migrations(%s): error detected: %v (type: %T)", name, err, err)
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Printf("migrations(%s): dirty database detected, attempting to fix...", name)
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Printf("migrations(%s): failed to fix dirty database: %v", name, fixErr)
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Printf("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	log.Printf("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}

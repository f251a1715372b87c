package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/subscription-sync/internal/billing"
	"github.com/PortNumber53/subscription-sync/internal/mailer"
	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
)

const (
	sweepBatchSize       = 200
	confirmationAttempts = 5

	// JobRetention is how long finished jobs are kept before cleanup.
	JobRetention = 7 * 24 * time.Hour
)

// TrialSweeper upgrades every subscription whose trial has ended.
type TrialSweeper interface {
	UpgradeDueTrials(ctx context.Context, limit int) (int, error)
}

// ConfirmationLookup loads what a confirmation email needs.
type ConfirmationLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
}

// JobCleaner deletes finished jobs.
type JobCleaner interface {
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RegisterBillingJobs registers the trial sweep and confirmation email handlers.
func RegisterBillingJobs(w *Worker, sweeper TrialSweeper, lookup ConfirmationLookup, sender mailer.Sender) {
	w.RegisterHandler(models.JobTypeTrialUpgradeSweep, trialSweepHandler(sweeper))
	w.RegisterHandler(models.JobTypeConfirmationEmail, confirmationEmailHandler(lookup, sender))

	log.Printf("[worker] Registered billing job handlers: %s, %s",
		models.JobTypeTrialUpgradeSweep, models.JobTypeConfirmationEmail)
}

// NewTrialSweepJob builds one sweep run. A failed sweep is not retried; the
// next scheduled run picks up the same subscriptions.
func NewTrialSweepJob() *models.Job {
	return &models.Job{
		JobType:     models.JobTypeTrialUpgradeSweep,
		Payload:     models.JSONB{"limit": sweepBatchSize},
		Priority:    models.JobPriorityNormal,
		MaxAttempts: 1,
	}
}

func trialSweepHandler(sweeper TrialSweeper) Handler {
	return func(ctx context.Context, job *models.Job) error {
		limit := sweepBatchSize
		if v, ok := job.Payload.Int64("limit"); ok && v > 0 {
			limit = int(v)
		}

		upgraded, err := sweeper.UpgradeDueTrials(ctx, limit)
		if err != nil {
			return fmt.Errorf("trial sweep: %w", err)
		}
		log.Printf("[worker] trial sweep upgraded %d subscription(s)", upgraded)
		return nil
	}
}

func confirmationEmailHandler(lookup ConfirmationLookup, sender mailer.Sender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		userID, ok := job.Payload.Int64("user_id")
		if !ok {
			return fmt.Errorf("missing user_id in payload")
		}
		externalID, _ := job.Payload["subscription_id"].(string)
		if externalID == "" {
			return fmt.Errorf("missing subscription_id in payload")
		}

		user, err := lookup.GetUserByID(ctx, userID)
		if errors.Is(err, store.ErrUserNotFound) {
			log.Printf("[worker] confirmation skipped: user %d no longer exists", userID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load user %d: %w", userID, err)
		}

		sub, err := lookup.GetSubscriptionByExternalID(ctx, externalID)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			log.Printf("[worker] confirmation skipped: subscription %s not found", externalID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load subscription %s: %w", externalID, err)
		}

		msg, err := mailer.SubscriptionConfirmation(user, sub)
		if err != nil {
			return err
		}
		return sender.Send(ctx, msg)
	}
}

// QueuedNotifier hands subscription confirmations to the job queue so email
// delivery is retried without touching subscription state.
type QueuedNotifier struct {
	worker *Worker
}

var _ billing.Notifier = (*QueuedNotifier)(nil)

// NewQueuedNotifier returns a notifier that enqueues on w.
func NewQueuedNotifier(w *Worker) *QueuedNotifier {
	return &QueuedNotifier{worker: w}
}

// SendSubscriptionConfirmation enqueues a confirmation email job.
func (n *QueuedNotifier) SendSubscriptionConfirmation(ctx context.Context, user *models.User, sub *models.Subscription) error {
	return n.worker.Enqueue(ctx, &models.Job{
		JobType: models.JobTypeConfirmationEmail,
		Payload: models.JSONB{
			"user_id":         user.ID,
			"subscription_id": sub.ExternalSubscriptionID,
		},
		Priority:    models.JobPriorityHigh,
		MaxAttempts: confirmationAttempts,
	})
}

// RegisterCleanupJob registers the handler that prunes finished jobs.
func RegisterCleanupJob(w *Worker, cleaner JobCleaner, retention time.Duration) {
	w.RegisterHandler(models.JobTypeQueueCleanup, func(ctx context.Context, job *models.Job) error {
		removed, err := cleaner.CleanupOldJobs(ctx, retention)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Printf("[worker] removed %d finished job(s) older than %s", removed, retention)
		}
		return nil
	})
}

// NewQueueCleanupJob builds one cleanup run.
func NewQueueCleanupJob() *models.Job {
	return &models.Job{
		JobType:     models.JobTypeQueueCleanup,
		Priority:    models.JobPriorityLow,
		MaxAttempts: 1,
	}
}

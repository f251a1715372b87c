package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

const subscriptionColumns = `id, user_id, external_subscription_id, stripe_customer_id, stripe_price_id,
	status, subscription_type, current_period_start, current_period_end,
	trial_start, trial_end, cancel_at_period_end, canceled_at,
	is_first_subscription, amount, currency, billing_interval, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ExternalSubscriptionID,
		&sub.StripeCustomerID,
		&sub.StripePriceID,
		&sub.Status,
		&sub.SubscriptionType,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.IsFirstSubscription,
		&sub.Amount,
		&sub.Currency,
		&sub.Interval,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a subscription keyed by its external id. A second
// delivery of the same creation event hits the unique key and is reported as
// created=false without error.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	query := `
INSERT INTO subscriptions (
	user_id, external_subscription_id, stripe_customer_id, stripe_price_id,
	status, subscription_type, current_period_start, current_period_end,
	trial_start, trial_end, cancel_at_period_end, canceled_at,
	is_first_subscription, amount, currency, billing_interval
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (external_subscription_id) DO NOTHING
RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.UserID,
		sub.ExternalSubscriptionID,
		sub.StripeCustomerID,
		sub.StripePriceID,
		sub.Status,
		sub.SubscriptionType,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.IsFirstSubscription,
		sub.Amount,
		sub.Currency,
		sub.Interval,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: create subscription: %w", err)
	}
	return true, nil
}

// GetSubscriptionByExternalID returns the subscription with the provider's id.
func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE external_subscription_id = $1
	`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription by external id: %w", err)
	}
	return sub, nil
}

// GetLatestSubscriptionByCustomerID returns the newest subscription for a provider customer.
func (s *Store) GetLatestSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE stripe_customer_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
	`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription by customer: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsByUser returns every subscription the user ever had, newest first.
func (s *Store) ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListDueTrialSubscriptions returns live initial subscriptions whose trial has
// ended by now, in id order starting after afterID. Callers page with the last
// id they saw so rows that keep failing do not hold back the rest.
func (s *Store) ListDueTrialSubscriptions(ctx context.Context, now time.Time, afterID int64, limit int) ([]models.Subscription, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	query := `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE subscription_type = 'initial'
  AND status IN ('active', 'trialing')
  AND trial_end IS NOT NULL
  AND trial_end <= $1
  AND id > $2
ORDER BY id ASC
LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due trials: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

// UpdateSubscription writes the refreshed lifecycle fields. The statement keeps
// subscription_type from moving back to initial and clears the trial window
// whenever the row is (or becomes) recurring. Once a row is recurring, price
// terms only change when the caller also writes a recurring row, so a stale
// initial-typed write cannot put the trial price back.
func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
UPDATE subscriptions
SET stripe_price_id = CASE WHEN subscription_type = 'recurring' AND $4::text <> 'recurring' THEN stripe_price_id ELSE $2::text END,
	status = $3::text,
	subscription_type = CASE WHEN subscription_type = 'recurring' THEN subscription_type ELSE $4::text END,
	current_period_start = $5::timestamptz,
	current_period_end = $6::timestamptz,
	trial_start = CASE WHEN subscription_type = 'recurring' OR $4::text = 'recurring' THEN NULL ELSE $7::timestamptz END,
	trial_end = CASE WHEN subscription_type = 'recurring' OR $4::text = 'recurring' THEN NULL ELSE $8::timestamptz END,
	cancel_at_period_end = $9::boolean,
	canceled_at = COALESCE($10::timestamptz, canceled_at),
	is_first_subscription = is_first_subscription AND $11::boolean,
	amount = CASE WHEN subscription_type = 'recurring' AND $4::text <> 'recurring' THEN amount ELSE $12::bigint END,
	currency = CASE WHEN subscription_type = 'recurring' AND $4::text <> 'recurring' THEN currency ELSE $13::text END,
	billing_interval = CASE WHEN subscription_type = 'recurring' AND $4::text <> 'recurring' THEN billing_interval ELSE $14::text END,
	updated_at = now()
WHERE id = $1
RETURNING stripe_price_id, amount, currency, billing_interval, subscription_type, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.ID,
		sub.StripePriceID,
		sub.Status,
		sub.SubscriptionType,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.IsFirstSubscription,
		sub.Amount,
		sub.Currency,
		sub.Interval,
	).Scan(&sub.StripePriceID, &sub.Amount, &sub.Currency, &sub.Interval, &sub.SubscriptionType, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSubscriptionNotFound
	}
	if err != nil {
		return fmt.Errorf("store: update subscription: %w", err)
	}
	if sub.SubscriptionType == models.PlanRecurring {
		sub.TrialStart, sub.TrialEnd = nil, nil
	}
	return nil
}

// MarkSubscriptionUpgraded commits the initial to recurring transition. It only
// touches rows still typed initial and reports whether a row changed.
func (s *Store) MarkSubscriptionUpgraded(ctx context.Context, id int64, plan *models.SubscriptionPlan) (bool, error) {
	query := `
UPDATE subscriptions
SET subscription_type = 'recurring',
	stripe_price_id = $2,
	amount = $3,
	currency = $4,
	billing_interval = $5,
	is_first_subscription = FALSE,
	trial_start = NULL,
	trial_end = NULL,
	updated_at = now()
WHERE id = $1 AND subscription_type = 'initial'
	`

	res, err := s.db.ExecContext(ctx, query, id, plan.PriceID(), plan.Amount, plan.Currency, plan.Interval)
	if err != nil {
		return false, fmt.Errorf("store: mark subscription upgraded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark subscription upgraded rows: %w", err)
	}
	return affected > 0, nil
}

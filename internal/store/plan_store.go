package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// ErrPlanNotFound is returned when a plan is not found
var ErrPlanNotFound = errors.New("plan not found")

// PlanStore provides read access to the subscription plan reference data.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a new PlanStore instance
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PlanStore{db: db}, nil
}

const planColumns = `id, plan_type, name, stripe_price_id, amount, currency,
	billing_interval, trial_days, is_active, created_at, updated_at`

// GetActivePlan returns the single active plan of the given type.
func (s *PlanStore) GetActivePlan(ctx context.Context, planType models.PlanType) (*models.SubscriptionPlan, error) {
	query := `SELECT ` + planColumns + `
		FROM subscription_plans
		WHERE plan_type = $1 AND is_active = TRUE
		LIMIT 1`

	return scanPlan(s.db.QueryRowContext(ctx, query, planType), "get active plan")
}

// GetPlanByPriceID returns the plan bound to a provider price id, active or not,
// so late events for a retired price still resolve.
func (s *PlanStore) GetPlanByPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	query := `SELECT ` + planColumns + `
		FROM subscription_plans
		WHERE stripe_price_id = $1
		ORDER BY is_active DESC, updated_at DESC
		LIMIT 1`

	return scanPlan(s.db.QueryRowContext(ctx, query, priceID), "get plan by price id")
}

func scanPlan(row *sql.Row, op string) (*models.SubscriptionPlan, error) {
	var (
		p       models.SubscriptionPlan
		priceID sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.PlanType, &p.Name, &priceID, &p.Amount, &p.Currency,
		&p.Interval, &p.TrialDays, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.StripePriceID = nullStringPtr(priceID)
	return &p, nil
}

package models

import "time"

// PlanType is the pricing tier a plan (and a subscription) belongs to.
type PlanType string

const (
	PlanInitial   PlanType = "initial"
	PlanRecurring PlanType = "recurring"
)

// SubscriptionPlan is reference data: at most one active row per plan type.
type SubscriptionPlan struct {
	ID            int64     `json:"id"`
	PlanType      PlanType  `json:"plan_type"`
	Name          string    `json:"name"`
	StripePriceID *string   `json:"stripe_price_id,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Interval      string    `json:"interval"`
	TrialDays     int       `json:"trial_days"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PriceID returns the plan's provider price id or an empty string.
func (p *SubscriptionPlan) PriceID() string {
	if p == nil || p.StripePriceID == nil {
		return ""
	}
	return *p.StripePriceID
}

// IntervalDuration converts the billing interval into the period length used
// when the provider omits period bounds. Unknown intervals fall back to a week.
func (p *SubscriptionPlan) IntervalDuration(from time.Time) time.Time {
	switch p.Interval {
	case "day":
		return from.AddDate(0, 0, 1)
	case "month":
		return from.AddDate(0, 1, 0)
	case "year":
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 0, 7)
	}
}

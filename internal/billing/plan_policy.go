package billing

import (
	"github.com/samber/lo"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// PlanClass is the outcome of the plan policy.
type PlanClass string

const (
	PlanClassInitial   PlanClass = "initial"
	PlanClassRecurring PlanClass = "recurring"
	PlanClassExisting  PlanClass = "existing"
)

const (
	ReasonHasActiveSubscription = "has_active_subscription"
	ReasonReturningUser         = "returning_user"
	ReasonNewUser               = "new_user"
	ReasonHistoryUnavailable    = "history_unavailable"
)

// PlanDecision is the plan a user should be offered at checkout.
type PlanDecision struct {
	Class                PlanClass            `json:"plan_class"`
	Reason               string               `json:"reason"`
	ExistingSubscription *models.Subscription `json:"existing_subscription,omitempty"`
}

// PlanType maps the class onto the plan reference data. Existing has no plan.
func (d PlanDecision) PlanType() (models.PlanType, bool) {
	switch d.Class {
	case PlanClassInitial:
		return models.PlanInitial, true
	case PlanClassRecurring:
		return models.PlanRecurring, true
	default:
		return "", false
	}
}

// DecidePlan chooses between the initial and recurring tiers from the user's
// subscription history. A failed history lookup falls back to the initial tier
// instead of blocking signup, so a returning user may occasionally be offered
// the cheaper plan.
func DecidePlan(user *models.User, history []models.Subscription, historyErr error) PlanDecision {
	if historyErr != nil {
		return PlanDecision{Class: PlanClassInitial, Reason: ReasonHistoryUnavailable}
	}

	if live, ok := lo.Find(history, func(s models.Subscription) bool { return s.IsLive() }); ok {
		return PlanDecision{
			Class:                PlanClassExisting,
			Reason:               ReasonHasActiveSubscription,
			ExistingSubscription: &live,
		}
	}

	if len(history) > 0 || (user != nil && user.HasEverSubscribed) {
		return PlanDecision{Class: PlanClassRecurring, Reason: ReasonReturningUser}
	}

	return PlanDecision{Class: PlanClassInitial, Reason: ReasonNewUser}
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
)

// UpgradeResult describes a completed (or already applied) upgrade.
type UpgradeResult struct {
	Success          bool
	AlreadyRecurring bool
	NewAmount        int64
	NewInterval      string
}

// Upgrader moves a subscription from the initial plan to the recurring plan,
// first at the provider and then locally.
type Upgrader struct {
	plans    PlanStore
	subs     SubscriptionStore
	provider Provider
}

// NewUpgrader wires the upgrade orchestrator.
func NewUpgrader(plans PlanStore, subs SubscriptionStore, provider Provider) *Upgrader {
	return &Upgrader{plans: plans, subs: subs, provider: provider}
}

// Upgrade swaps the provider price without proration and then commits the
// local row. When the provider call fails nothing is written locally. Calling
// it for a subscription that is already recurring is a successful no-op.
func (u *Upgrader) Upgrade(ctx context.Context, sub *models.Subscription) (UpgradeResult, error) {
	if sub.SubscriptionType == models.PlanRecurring {
		return UpgradeResult{
			Success:          true,
			AlreadyRecurring: true,
			NewAmount:        sub.Amount,
			NewInterval:      sub.Interval,
		}, nil
	}

	plan, err := u.plans.GetActivePlan(ctx, models.PlanRecurring)
	if errors.Is(err, store.ErrPlanNotFound) {
		return UpgradeResult{}, newError(CodePlanUnavailable, errors.New("no active recurring plan"))
	}
	if err != nil {
		return UpgradeResult{}, fmt.Errorf("load recurring plan: %w", err)
	}
	if plan.PriceID() == "" {
		return UpgradeResult{}, newError(CodePlanUnavailable, fmt.Errorf("recurring plan %d has no price id", plan.ID))
	}

	if err := u.provider.SwapSubscriptionPrice(ctx, sub.ExternalSubscriptionID, plan.PriceID()); err != nil {
		return UpgradeResult{}, newError(CodeProviderError, fmt.Errorf("swap price for %s: %w", sub.ExternalSubscriptionID, err))
	}

	changed, err := u.subs.MarkSubscriptionUpgraded(ctx, sub.ID, plan)
	if err != nil {
		// The provider already bills the recurring price; the subscription
		// updated event carries the new price and flips the local type.
		log.Printf("[upgrade] subscription %s swapped remotely but local commit failed: %v", sub.ExternalSubscriptionID, err)
		return UpgradeResult{}, fmt.Errorf("commit upgrade for %s: %w", sub.ExternalSubscriptionID, err)
	}
	if !changed {
		log.Printf("[upgrade] subscription %s was already recurring locally", sub.ExternalSubscriptionID)
	}

	sub.SubscriptionType = models.PlanRecurring
	sub.StripePriceID = plan.PriceID()
	sub.Amount = plan.Amount
	sub.Currency = plan.Currency
	sub.Interval = plan.Interval
	sub.IsFirstSubscription = false
	sub.TrialStart = nil
	sub.TrialEnd = nil

	log.Printf("[upgrade] subscription %s upgraded to recurring price %s (%d %s/%s)",
		sub.ExternalSubscriptionID, plan.PriceID(), plan.Amount, plan.Currency, plan.Interval)

	return UpgradeResult{Success: true, NewAmount: plan.Amount, NewInterval: plan.Interval}, nil
}

package billing

import (
	"time"

	"github.com/samber/lo"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// TrialAction is what the trial clock concluded for a user.
type TrialAction string

const (
	TrialActionNone                TrialAction = "none"
	TrialActionActive              TrialAction = "trial_active"
	TrialActionAlreadyRecurring    TrialAction = "already_recurring"
	TrialActionUpgradedToRecurring TrialAction = "upgraded_to_recurring"
)

// TrialEvaluation is the side-effect free verdict of EvaluateTrial.
type TrialEvaluation struct {
	InTrial       bool
	ShouldUpgrade bool
	Action        TrialAction
	TrialEnd      *time.Time
	// Subscription is the live initial subscription the verdict is about.
	Subscription *models.Subscription
}

// EvaluateTrial inspects a user's subscription history at time now. It never
// performs the upgrade; callers that want it use ApplyUpgradeIfDue.
func EvaluateTrial(history []models.Subscription, now time.Time) TrialEvaluation {
	_, idx, ok := lo.FindIndexOf(history, func(s models.Subscription) bool {
		return s.SubscriptionType == models.PlanInitial && s.IsLive()
	})
	if !ok {
		return TrialEvaluation{Action: TrialActionNone}
	}

	sub := &history[idx]
	if sub.TrialEnd == nil {
		return TrialEvaluation{Action: TrialActionNone, Subscription: sub}
	}

	eval := TrialEvaluation{TrialEnd: sub.TrialEnd, Subscription: sub}
	if now.Before(*sub.TrialEnd) {
		eval.InTrial = true
		eval.Action = TrialActionActive
		return eval
	}

	hasRecurring := lo.ContainsBy(history, func(s models.Subscription) bool {
		return s.SubscriptionType == models.PlanRecurring
	})
	if hasRecurring {
		eval.Action = TrialActionAlreadyRecurring
		return eval
	}

	eval.ShouldUpgrade = true
	eval.Action = TrialActionUpgradedToRecurring
	return eval
}

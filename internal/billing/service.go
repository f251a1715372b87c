package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/samber/lo"

	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
)

// Reasons reported by ShouldChargeUser.
const (
	ChargeReasonNoActiveSubscription = "no_active_subscription"
	ChargeReasonInTrial              = "in_trial"
	ChargeReasonTrialEnded           = "trial_ended"
	ChargeReasonAlreadyRecurring     = "already_recurring"
	ChargeReasonUpgradePending       = "upgrade_pending"
	ChargeReasonActiveSubscription   = "active_subscription"
)

// Deps are the collaborators of the billing service.
type Deps struct {
	Users         UserStore
	Plans         PlanStore
	Subscriptions SubscriptionStore
	Payments      PaymentStore
	Provider      Provider
	// Notifier is optional.
	Notifier   Notifier
	SuccessURL string
	CancelURL  string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service is the billing surface used by the HTTP handlers and the worker.
type Service struct {
	users      UserStore
	plans      PlanStore
	subs       SubscriptionStore
	provider   Provider
	upgrader   *Upgrader
	reconciler *Reconciler
	successURL string
	cancelURL  string
	now        func() time.Time
}

// NewService validates deps and wires the engine.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("billing: user store is required")
	case deps.Plans == nil:
		return nil, errors.New("billing: plan store is required")
	case deps.Subscriptions == nil:
		return nil, errors.New("billing: subscription store is required")
	case deps.Payments == nil:
		return nil, errors.New("billing: payment store is required")
	case deps.Provider == nil:
		return nil, errors.New("billing: provider is required")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		users:      deps.Users,
		plans:      deps.Plans,
		subs:       deps.Subscriptions,
		provider:   deps.Provider,
		upgrader:   NewUpgrader(deps.Plans, deps.Subscriptions, deps.Provider),
		successURL: deps.SuccessURL,
		cancelURL:  deps.CancelURL,
		now:        now,
	}
	s.reconciler = &Reconciler{
		users:    deps.Users,
		plans:    deps.Plans,
		subs:     deps.Subscriptions,
		ledger:   NewLedger(deps.Payments),
		notifier: deps.Notifier,
		trials:   s,
		provider: deps.Provider,
		now:      now,
		cards: []cardSource{
			{name: "payment_method", extract: fromExpandedPaymentMethod},
			{name: "charge", extract: fromPayloadCharge},
			{name: "provider", extract: retrieveFromProvider(deps.Provider)},
		},
	}
	return s, nil
}

func (s *Service) loadUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, newError(CodeUserNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return user, nil
}

// DecidePlanForUser returns the tier the user should be offered.
func (s *Service) DecidePlanForUser(ctx context.Context, userID int64) (PlanDecision, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return PlanDecision{}, err
	}

	history, herr := s.subs.ListSubscriptionsByUser(ctx, userID)
	if herr != nil {
		log.Printf("[billing] history lookup for user %d failed, offering initial plan: %v", userID, herr)
	}
	return DecidePlan(user, history, herr), nil
}

// TrialCheck is the outcome of ApplyUpgradeIfDue.
type TrialCheck struct {
	Evaluation TrialEvaluation
	// History is the user's subscriptions, reflecting any upgrade just applied.
	History    []models.Subscription
	Upgraded   bool
	Upgrade    UpgradeResult
	UpgradeErr error
}

// ApplyUpgradeIfDue evaluates the user's trial and performs the upgrade when
// it is due. A failed upgrade is reported in the result, not as an error, so
// callers degrade to "not upgraded" and the next evaluation retries.
func (s *Service) ApplyUpgradeIfDue(ctx context.Context, userID int64) (TrialCheck, error) {
	history, err := s.subs.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return TrialCheck{}, fmt.Errorf("load history for user %d: %w", userID, err)
	}

	check := TrialCheck{
		Evaluation: EvaluateTrial(history, s.now()),
		History:    history,
	}
	if !check.Evaluation.ShouldUpgrade {
		return check, nil
	}

	res, err := s.upgrader.Upgrade(ctx, check.Evaluation.Subscription)
	if err != nil {
		log.Printf("[billing] upgrade for user %d failed, will retry on next check: %v", userID, err)
		check.UpgradeErr = err
		return check, nil
	}
	check.Upgraded = !res.AlreadyRecurring
	check.Upgrade = res
	return check, nil
}

// ChargeDecision tells callers whether the user has to pay now.
type ChargeDecision struct {
	ShouldCharge bool                 `json:"should_charge"`
	Reason       string               `json:"reason"`
	TrialEnd     *time.Time           `json:"trial_end,omitempty"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
}

// ShouldChargeUser applies a due trial upgrade and then reports whether the
// user should be charged.
func (s *Service) ShouldChargeUser(ctx context.Context, userID int64) (ChargeDecision, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return ChargeDecision{}, err
	}

	check, err := s.ApplyUpgradeIfDue(ctx, userID)
	if err != nil {
		return ChargeDecision{}, err
	}

	eval := check.Evaluation
	switch {
	case check.Upgraded:
		return ChargeDecision{ShouldCharge: true, Reason: ChargeReasonTrialEnded, Subscription: eval.Subscription}, nil
	case eval.InTrial:
		return ChargeDecision{Reason: ChargeReasonInTrial, TrialEnd: eval.TrialEnd, Subscription: eval.Subscription}, nil
	case eval.Action == TrialActionAlreadyRecurring:
		return ChargeDecision{Reason: ChargeReasonAlreadyRecurring, Subscription: eval.Subscription}, nil
	case eval.ShouldUpgrade:
		return ChargeDecision{Reason: ChargeReasonUpgradePending, TrialEnd: eval.TrialEnd, Subscription: eval.Subscription}, nil
	}

	live, ok := lo.Find(check.History, func(sub models.Subscription) bool { return sub.IsLive() })
	if !ok {
		return ChargeDecision{ShouldCharge: true, Reason: ChargeReasonNoActiveSubscription}, nil
	}
	if live.SubscriptionType == models.PlanRecurring {
		return ChargeDecision{Reason: ChargeReasonAlreadyRecurring, Subscription: &live}, nil
	}
	return ChargeDecision{Reason: ChargeReasonActiveSubscription, Subscription: &live}, nil
}

// CurrentSubscription returns the user's live subscription, or the most recent
// one when none is live. It returns nil when the user never subscribed.
func (s *Service) CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}
	history, err := s.subs.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history for user %d: %w", userID, err)
	}
	if live, ok := lo.Find(history, func(sub models.Subscription) bool { return sub.IsLive() }); ok {
		return &live, nil
	}
	if len(history) == 0 {
		return nil, nil
	}
	return &history[0], nil
}

// CreateCheckout opens a hosted checkout session for the plan the policy picks.
// The active subscription check and the session creation are not atomic; two
// concurrent requests for one user can both pass the check.
func (s *Service) CreateCheckout(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutResponse, error) {
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	history, herr := s.subs.ListSubscriptionsByUser(ctx, user.ID)
	if herr != nil {
		log.Printf("[billing] history lookup for user %d failed, offering initial plan: %v", user.ID, herr)
	}
	decision := DecidePlan(user, history, herr)
	planType, ok := decision.PlanType()
	if !ok {
		return nil, newError(CodeActiveSubscriptionExists, fmt.Errorf("user %d already has subscription %s",
			user.ID, decision.ExistingSubscription.ExternalSubscriptionID))
	}

	plan, err := s.plans.GetActivePlan(ctx, planType)
	if errors.Is(err, store.ErrPlanNotFound) {
		return nil, newError(CodePlanUnavailable, fmt.Errorf("no active %s plan", planType))
	}
	if err != nil {
		return nil, fmt.Errorf("load %s plan: %w", planType, err)
	}
	if plan.PriceID() == "" {
		return nil, newError(CodePlanUnavailable, fmt.Errorf("%s plan %d has no price id", planType, plan.ID))
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:        user.ID,
		CustomerEmail: user.Email,
		PriceID:       plan.PriceID(),
		PlanType:      plan.PlanType,
		TrialDays:     lo.Ternary(plan.PlanType == models.PlanInitial, plan.TrialDays, 0),
		SuccessURL:    lo.Ternary(req.SuccessURL != "", req.SuccessURL, s.successURL),
		CancelURL:     lo.Ternary(req.CancelURL != "", req.CancelURL, s.cancelURL),
	})
	if err != nil {
		return nil, newError(CodeProviderError, err)
	}

	log.Printf("[billing] checkout %s created for user %d (%s, %s)", session.ID, user.ID, plan.PlanType, decision.Reason)
	return &models.CheckoutResponse{
		SessionID:  session.ID,
		SessionURL: session.URL,
		PlanType:   plan.PlanType,
	}, nil
}

// HandleProviderEvent verifies and applies one webhook delivery. Only a
// signature failure is returned; every other problem is logged so the
// provider sees success and does not redeliver.
func (s *Service) HandleProviderEvent(ctx context.Context, payload []byte, signature string) error {
	evt, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	s.reconciler.Reconcile(ctx, *evt)
	return nil
}

// UpgradeDueTrials runs the trial clock for every subscription whose trial has
// ended and returns how many were upgraded. Due trials are read in pages of
// pageSize in id order, so a page of rows that keep failing never hides the
// rows behind it. Failures are logged per user.
func (s *Service) UpgradeDueTrials(ctx context.Context, pageSize int) (int, error) {
	upgraded := 0
	seen := make(map[int64]struct{})
	var afterID int64
	now := s.now()

	for {
		due, err := s.subs.ListDueTrialSubscriptions(ctx, now, afterID, pageSize)
		if err != nil {
			return upgraded, fmt.Errorf("list due trials: %w", err)
		}
		if len(due) == 0 {
			return upgraded, nil
		}

		for _, sub := range due {
			afterID = max(afterID, sub.ID)
			if _, ok := seen[sub.UserID]; ok {
				continue
			}
			seen[sub.UserID] = struct{}{}

			check, err := s.ApplyUpgradeIfDue(ctx, sub.UserID)
			if err != nil {
				log.Printf("[billing] trial sweep: user %d: %v", sub.UserID, err)
				continue
			}
			if check.Upgraded {
				upgraded++
			}
		}

		if pageSize > 0 && len(due) < pageSize {
			return upgraded, nil
		}
		if err := ctx.Err(); err != nil {
			return upgraded, err
		}
	}
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/samber/lo"

	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
)

// pairingWindow bounds how far back an invoice and a payment intent that carry
// no reference to each other are matched by customer and amount.
const pairingWindow = 24 * time.Hour

// trialApplier re-evaluates a user's trial after a payment lands.
type trialApplier interface {
	ApplyUpgradeIfDue(ctx context.Context, userID int64) (TrialCheck, error)
}

// Reconciler applies provider events to the subscription and payment records.
// Every handler is idempotent and tolerates any delivery order; unresolvable
// references are logged and acknowledged.
type Reconciler struct {
	users    UserStore
	plans    PlanStore
	subs     SubscriptionStore
	ledger   *Ledger
	notifier Notifier
	trials   trialApplier
	cards    []cardSource
	provider Provider
	now      func() time.Time
}

// Reconcile dispatches one verified event. Errors and panics are logged and
// never escape, so one bad event cannot affect the next.
func (r *Reconciler) Reconcile(ctx context.Context, evt ProviderEvent) {
	kind := ParseEventKind(evt.Type)

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[webhook] panic handling %s (%s): %v\n%s", evt.ID, evt.Type, rec, debug.Stack())
		}
	}()

	if err := r.dispatch(ctx, kind, evt); err != nil {
		log.Printf("[webhook] error handling %s (%s): %v", evt.ID, evt.Type, err)
	}
}

func (r *Reconciler) dispatch(ctx context.Context, kind EventKind, evt ProviderEvent) error {
	log.Printf("[webhook] received %s (%s)", evt.Type, evt.ID)

	switch kind {
	case EventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, evt)
	case EventSubscriptionCreated:
		return r.handleSubscriptionCreated(ctx, evt)
	case EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, evt)
	case EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, evt)
	case EventSubscriptionTrialWillEnd:
		return r.handleTrialWillEnd(ctx, evt)
	case EventInvoicePaymentSucceeded:
		return r.handleInvoicePaid(ctx, evt)
	case EventInvoicePaymentFailed:
		return r.handleInvoiceFailed(ctx, evt)
	case EventPaymentIntentSucceeded:
		return r.handlePaymentIntentSucceeded(ctx, evt)
	case EventPaymentMethodAttached:
		return r.handlePaymentMethodAttached(ctx, evt)
	case EventChargeRefunded:
		return r.handleChargeRefunded(ctx, evt)
	default:
		log.Printf("[webhook] ignoring unhandled event type %s", evt.Type)
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, evt ProviderEvent) error {
	cs, err := decodeEvent[checkoutSessionPayload](evt)
	if err != nil {
		return err
	}

	user, err := r.resolveCheckoutUser(ctx, cs)
	if err != nil {
		return err
	}
	if user == nil {
		log.Printf("[webhook] checkout %s: no user for metadata, reference or email; skipping", cs.ID)
		return nil
	}

	flipped, err := r.users.MarkEverSubscribed(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("mark user %d subscribed: %w", user.ID, err)
	}
	if flipped {
		log.Printf("[webhook] checkout %s: first subscription for user %d", cs.ID, user.ID)
	}
	return nil
}

func (r *Reconciler) resolveCheckoutUser(ctx context.Context, cs checkoutSessionPayload) (*models.User, error) {
	if id, ok := metadataUserID(cs.Metadata); ok {
		if user, err := r.lookupUser(ctx, id); user != nil || err != nil {
			return user, err
		}
	}
	if id, ok := metadataUserID(map[string]string{"user_id": cs.ClientReferenceID}); ok {
		if user, err := r.lookupUser(ctx, id); user != nil || err != nil {
			return user, err
		}
	}
	if email := cs.email(); email != "" {
		user, err := r.users.GetUserByEmail(ctx, email)
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find user by email: %w", err)
		}
		return user, nil
	}
	return nil, nil
}

func (r *Reconciler) lookupUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := r.users.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %d: %w", id, err)
	}
	return user, nil
}

func (r *Reconciler) handleSubscriptionCreated(ctx context.Context, evt ProviderEvent) error {
	sp, err := decodeEvent[subscriptionPayload](evt)
	if err != nil {
		return err
	}

	priceID := sp.priceID()
	if priceID == "" {
		log.Printf("[webhook] subscription %s has no price; skipping", sp.ID)
		return nil
	}
	plan, err := r.plans.GetPlanByPriceID(ctx, priceID)
	if errors.Is(err, store.ErrPlanNotFound) {
		log.Printf("[webhook] subscription %s uses unknown price %s; skipping", sp.ID, priceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve plan for price %s: %w", priceID, err)
	}

	if _, err := r.subs.GetSubscriptionByExternalID(ctx, sp.ID); err == nil {
		log.Printf("[webhook] subscription %s already recorded", sp.ID)
		return nil
	} else if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return fmt.Errorf("check subscription %s: %w", sp.ID, err)
	}

	user, err := r.resolveSubscriptionUser(ctx, sp)
	if err != nil {
		return err
	}
	if user == nil {
		log.Printf("[webhook] subscription %s: cannot resolve user for customer %s; skipping", sp.ID, sp.Customer.ID)
		return nil
	}

	history, err := r.subs.ListSubscriptionsByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load history for user %d: %w", user.ID, err)
	}
	returning := plan.PlanType == models.PlanRecurring || len(history) > 0

	now := r.now().UTC()
	start := lo.FromPtrOr(sp.periodStart(), now)
	end := lo.FromPtrOr(sp.periodEnd(), plan.IntervalDuration(start))

	status, ok := models.ParseSubscriptionStatus(sp.Status)
	if !ok {
		log.Printf("[webhook] subscription %s has unknown status %q; recording as incomplete", sp.ID, sp.Status)
		status = models.SubscriptionIncomplete
	}

	sub := &models.Subscription{
		UserID:                 user.ID,
		ExternalSubscriptionID: sp.ID,
		StripeCustomerID:       sp.Customer.ID,
		StripePriceID:          priceID,
		Status:                 status,
		SubscriptionType:       plan.PlanType,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		CancelAtPeriodEnd:      lo.FromPtr(sp.CancelAtPeriodEnd),
		CanceledAt:             unixTime(sp.CanceledAt),
		IsFirstSubscription:    !returning,
		Amount:                 plan.Amount,
		Currency:               plan.Currency,
		Interval:               plan.Interval,
	}
	applyPrice(sub, sp.price())
	if !returning && plan.PlanType == models.PlanInitial {
		sub.TrialStart = unixTime(sp.TrialStart)
		sub.TrialEnd = unixTime(sp.TrialEnd)
	}

	created, err := r.subs.CreateSubscription(ctx, sub)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sp.ID, err)
	}
	if !created {
		log.Printf("[webhook] subscription %s already recorded", sp.ID)
		return nil
	}
	log.Printf("[webhook] created %s subscription %s for user %d (status %s, first=%t)",
		sub.SubscriptionType, sub.ExternalSubscriptionID, user.ID, sub.Status, sub.IsFirstSubscription)

	if r.notifier != nil {
		if err := r.notifier.SendSubscriptionConfirmation(ctx, user, sub); err != nil {
			log.Printf("[webhook] confirmation for subscription %s not sent: %v", sub.ExternalSubscriptionID, err)
		}
	}
	return nil
}

func (r *Reconciler) resolveSubscriptionUser(ctx context.Context, sp subscriptionPayload) (*models.User, error) {
	if id, ok := metadataUserID(sp.Metadata); ok {
		if user, err := r.lookupUser(ctx, id); user != nil || err != nil {
			return user, err
		}
	}
	if sp.Customer.ID == "" {
		return nil, nil
	}
	prev, err := r.subs.GetLatestSubscriptionByCustomerID(ctx, sp.Customer.ID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription for customer %s: %w", sp.Customer.ID, err)
	}
	return r.lookupUser(ctx, prev.UserID)
}

// applyPrice copies the provider's price terms onto sub when reported.
func applyPrice(sub *models.Subscription, price *pricePayload) {
	if price == nil {
		return
	}
	if price.UnitAmount != nil {
		sub.Amount = *price.UnitAmount
	}
	if price.Currency != "" {
		sub.Currency = price.Currency
	}
	if price.Recurring != nil && price.Recurring.Interval != "" {
		sub.Interval = price.Recurring.Interval
	}
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, evt ProviderEvent) error {
	sp, err := decodeEvent[subscriptionPayload](evt)
	if err != nil {
		return err
	}

	existing, err := r.subs.GetSubscriptionByExternalID(ctx, sp.ID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		log.Printf("[webhook] update for unknown subscription %s; skipping", sp.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", sp.ID, err)
	}

	updated := *existing
	priceID := sp.priceID()
	if priceID != "" && priceID != existing.StripePriceID &&
		existing.SubscriptionType == models.PlanRecurring && !r.isRecurringPrice(ctx, priceID) {
		log.Printf("[webhook] subscription %s is recurring; ignoring stale price %s", sp.ID, priceID)
		priceID = ""
	}
	if priceID != "" {
		updated.StripePriceID = priceID
		applyPrice(&updated, sp.price())

		if updated.SubscriptionType == models.PlanInitial && r.isRecurringPrice(ctx, priceID) {
			log.Printf("[webhook] subscription %s now on recurring price %s", sp.ID, priceID)
			updated.SubscriptionType = models.PlanRecurring
			updated.IsFirstSubscription = false
		}
	}

	if status, ok := models.ParseSubscriptionStatus(sp.Status); ok {
		updated.Status = status
	} else if sp.Status != "" {
		log.Printf("[webhook] subscription %s reported unknown status %q; keeping %s", sp.ID, sp.Status, existing.Status)
	}
	updated.CurrentPeriodStart = lo.FromPtrOr(sp.periodStart(), existing.CurrentPeriodStart)
	updated.CurrentPeriodEnd = lo.FromPtrOr(sp.periodEnd(), existing.CurrentPeriodEnd)
	updated.CancelAtPeriodEnd = lo.FromPtrOr(sp.CancelAtPeriodEnd, existing.CancelAtPeriodEnd)
	if canceledAt := unixTime(sp.CanceledAt); canceledAt != nil {
		updated.CanceledAt = canceledAt
	}

	if updated.SubscriptionType == models.PlanRecurring {
		updated.TrialStart, updated.TrialEnd = nil, nil
	} else {
		if ts := unixTime(sp.TrialStart); ts != nil {
			updated.TrialStart = ts
		}
		if te := unixTime(sp.TrialEnd); te != nil {
			updated.TrialEnd = te
		}
	}

	if err := r.subs.UpdateSubscription(ctx, &updated); err != nil {
		return fmt.Errorf("update subscription %s: %w", sp.ID, err)
	}
	log.Printf("[webhook] updated subscription %s (status %s, type %s)", sp.ID, updated.Status, updated.SubscriptionType)
	return nil
}

func (r *Reconciler) isRecurringPrice(ctx context.Context, priceID string) bool {
	plan, err := r.plans.GetActivePlan(ctx, models.PlanRecurring)
	if err == nil && plan.PriceID() == priceID {
		return true
	}
	if err != nil && !errors.Is(err, store.ErrPlanNotFound) {
		log.Printf("[webhook] load recurring plan: %v", err)
	}
	byPrice, err := r.plans.GetPlanByPriceID(ctx, priceID)
	return err == nil && byPrice.PlanType == models.PlanRecurring
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, evt ProviderEvent) error {
	sp, err := decodeEvent[subscriptionPayload](evt)
	if err != nil {
		return err
	}

	existing, err := r.subs.GetSubscriptionByExternalID(ctx, sp.ID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		log.Printf("[webhook] deletion for unknown subscription %s; skipping", sp.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", sp.ID, err)
	}

	updated := *existing
	updated.Status = models.SubscriptionCanceled
	updated.CanceledAt = lo.CoalesceOrEmpty(unixTime(sp.CanceledAt), unixTime(sp.EndedAt), existing.CanceledAt, lo.ToPtr(r.now().UTC()))
	if err := r.subs.UpdateSubscription(ctx, &updated); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", sp.ID, err)
	}

	if _, err := r.users.MarkEverSubscribed(ctx, existing.UserID); err != nil {
		return fmt.Errorf("mark user %d subscribed: %w", existing.UserID, err)
	}
	log.Printf("[webhook] subscription %s canceled for user %d", sp.ID, existing.UserID)
	return nil
}

func (r *Reconciler) handleTrialWillEnd(_ context.Context, evt ProviderEvent) error {
	sp, err := decodeEvent[subscriptionPayload](evt)
	if err != nil {
		return err
	}
	if te := unixTime(sp.TrialEnd); te != nil {
		log.Printf("[webhook] trial for subscription %s ends at %s", sp.ID, te.Format(time.RFC3339))
	} else {
		log.Printf("[webhook] trial for subscription %s ending soon", sp.ID)
	}
	return nil
}

// invoiceContext resolves the subscription, payment type and payment identity
// shared by the invoice handlers.
type invoiceContext struct {
	sub             *models.Subscription
	paymentIntentID string
	identity        string
}

func (r *Reconciler) resolveInvoice(ctx context.Context, inv invoicePayload) (invoiceContext, error) {
	var ic invoiceContext

	if subID := inv.subscriptionID(); subID != "" {
		sub, err := r.subs.GetSubscriptionByExternalID(ctx, subID)
		switch {
		case err == nil:
			ic.sub = sub
		case errors.Is(err, store.ErrSubscriptionNotFound):
			log.Printf("[webhook] invoice %s: subscription %s not recorded yet", inv.ID, subID)
		default:
			return ic, fmt.Errorf("load subscription %s: %w", subID, err)
		}
	}

	ic.paymentIntentID = inv.paymentIntentID()
	if ic.paymentIntentID == "" {
		if chargeID := inv.chargeID(); chargeID != "" && r.provider != nil {
			piID, err := r.provider.RetrieveChargePaymentIntent(ctx, chargeID)
			if err != nil {
				log.Printf("[webhook] invoice %s: charge %s lookup failed: %v", inv.ID, chargeID, err)
			}
			ic.paymentIntentID = piID
		}
	}
	if ic.paymentIntentID == "" && inv.ID != "" && r.provider != nil {
		piID, err := r.provider.RetrieveInvoicePaymentIntent(ctx, inv.ID)
		if err != nil {
			log.Printf("[webhook] invoice %s: payment lookup failed: %v", inv.ID, err)
		}
		ic.paymentIntentID = piID
	}
	ic.identity = lo.Ternary(ic.paymentIntentID != "", ic.paymentIntentID, models.SyntheticPaymentID(inv.ID))
	return ic, nil
}

// classifyPayment derives the payment type from the invoice billing reason and
// the subscription it belongs to.
func classifyPayment(billingReason string, sub *models.Subscription) models.PaymentType {
	recurring := sub != nil && sub.SubscriptionType == models.PlanRecurring
	switch billingReason {
	case "subscription_create":
		return lo.Ternary(recurring, models.PaymentRecurring, models.PaymentInitial)
	case "subscription_update":
		return lo.Ternary(recurring, models.PaymentUpgrade, models.PaymentInitial)
	default:
		if recurring {
			return models.PaymentRecurring
		}
		if sub == nil {
			return models.PaymentRecurring
		}
		return models.PaymentInitial
	}
}

func paymentFromInvoice(inv invoicePayload, ic invoiceContext) *models.Payment {
	p := &models.Payment{
		PaymentIntentID:  ic.identity,
		InvoiceID:        lo.EmptyableToPtr(inv.ID),
		StripeCustomerID: inv.Customer.ID,
		Currency:         inv.Currency,
		PaymentType:      classifyPayment(inv.BillingReason, ic.sub),
	}
	if ic.sub != nil {
		p.UserID = lo.ToPtr(ic.sub.UserID)
		p.SubscriptionID = lo.ToPtr(ic.sub.ID)
		if p.StripeCustomerID == "" {
			p.StripeCustomerID = ic.sub.StripeCustomerID
		}
	}
	return p
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, evt ProviderEvent) error {
	inv, err := decodeEvent[invoicePayload](evt)
	if err != nil {
		return err
	}

	ic, err := r.resolveInvoice(ctx, inv)
	if err != nil {
		return err
	}

	incoming := paymentFromInvoice(inv, ic)
	incoming.Amount = inv.AmountPaid
	incoming.Status = models.PaymentStatusSucceeded

	existing, err := r.ledger.Find(ctx, ic.paymentIntentID, inv.ID)
	if err != nil {
		return fmt.Errorf("find payment for invoice %s: %w", inv.ID, err)
	}
	if existing == nil && ic.paymentIntentID == "" {
		existing, err = r.pairUninvoicedPayment(ctx, incoming)
		if err != nil {
			return err
		}
	}
	if _, err := r.ledger.Record(ctx, existing, incoming); err != nil {
		return err
	}

	if ic.sub != nil && r.trials != nil {
		check, err := r.trials.ApplyUpgradeIfDue(ctx, ic.sub.UserID)
		if err != nil {
			log.Printf("[webhook] invoice %s: trial check for user %d failed: %v", inv.ID, ic.sub.UserID, err)
		} else if check.Upgraded {
			log.Printf("[webhook] invoice %s: user %d upgraded to recurring", inv.ID, ic.sub.UserID)
		}
	}
	return nil
}

func (r *Reconciler) handleInvoiceFailed(ctx context.Context, evt ProviderEvent) error {
	inv, err := decodeEvent[invoicePayload](evt)
	if err != nil {
		return err
	}

	ic, err := r.resolveInvoice(ctx, inv)
	if err != nil {
		return err
	}

	incoming := paymentFromInvoice(inv, ic)
	incoming.Amount = inv.AmountDue
	incoming.Status = models.PaymentStatusCanceled
	incoming.FailureReason = lo.ToPtr(inv.failureReason())

	existing, err := r.ledger.Find(ctx, ic.paymentIntentID, inv.ID)
	if err != nil {
		return fmt.Errorf("find payment for invoice %s: %w", inv.ID, err)
	}
	if existing != nil && existing.Status == models.PaymentStatusSucceeded {
		log.Printf("[webhook] invoice %s failed after payment %s succeeded; keeping succeeded", inv.ID, existing.PaymentIntentID)
	}
	_, err = r.ledger.Record(ctx, existing, incoming)
	return err
}

func (r *Reconciler) handlePaymentIntentSucceeded(ctx context.Context, evt ProviderEvent) error {
	pi, err := decodeEvent[paymentIntentPayload](evt)
	if err != nil {
		return err
	}
	if pi.ID == "" {
		log.Printf("[webhook] payment intent event %s without id; skipping", evt.ID)
		return nil
	}

	card := extractCard(ctx, r.cards, &pi)

	invoiceID := pi.Invoice.ID
	if invoiceID == "" && r.provider != nil {
		invoiceID, err = r.provider.RetrievePaymentIntentInvoice(ctx, pi.ID)
		if err != nil {
			log.Printf("[webhook] payment intent %s: invoice lookup failed: %v", pi.ID, err)
		}
	}

	existing, err := r.ledger.Find(ctx, pi.ID, invoiceID)
	if err != nil {
		return fmt.Errorf("find payment %s: %w", pi.ID, err)
	}
	if existing == nil && invoiceID == "" && pi.Customer.ID != "" && pi.amount() > 0 {
		existing, err = r.ledger.payments.GetSyntheticPaymentByCustomer(ctx, pi.Customer.ID, pi.amount(), r.now().Add(-pairingWindow))
		if errors.Is(err, store.ErrPaymentNotFound) {
			existing, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("find invoice payment for %s: %w", pi.Customer.ID, err)
		}
		if existing != nil {
			log.Printf("[webhook] payment intent %s paired with invoice payment %s", pi.ID, existing.PaymentIntentID)
		}
	}
	if existing == nil && pi.Customer.ID != "" {
		existing, err = r.ledger.payments.GetLatestProcessingPaymentByCustomer(ctx, pi.Customer.ID)
		if errors.Is(err, store.ErrPaymentNotFound) {
			existing, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("find processing payment for %s: %w", pi.Customer.ID, err)
		}
	}

	incoming := &models.Payment{
		PaymentIntentID:  pi.ID,
		InvoiceID:        lo.EmptyableToPtr(invoiceID),
		StripeCustomerID: pi.Customer.ID,
		Amount:           pi.amount(),
		Currency:         pi.Currency,
		Status:           lo.Ternary(pi.Status != "", pi.Status, models.PaymentStatusSucceeded),
		Card:             card.Card,
		PaymentMethodID:  lo.EmptyableToPtr(card.PaymentMethodID),
		ReceiptURL:       lo.EmptyableToPtr(card.ReceiptURL),
	}
	if sub := r.subscriptionForCustomer(ctx, pi.Customer.ID); sub != nil {
		incoming.UserID = lo.ToPtr(sub.UserID)
		incoming.SubscriptionID = lo.ToPtr(sub.ID)
		incoming.PaymentType = lo.Ternary(sub.SubscriptionType == models.PlanRecurring, models.PaymentRecurring, models.PaymentInitial)
	}

	_, err = r.ledger.Record(ctx, existing, incoming)
	return err
}

// pairUninvoicedPayment finds the intent-keyed row an invoice without any
// payment reference belongs to: same customer, same amount, no invoice yet.
func (r *Reconciler) pairUninvoicedPayment(ctx context.Context, incoming *models.Payment) (*models.Payment, error) {
	if incoming.StripeCustomerID == "" || incoming.Amount == 0 {
		return nil, nil
	}
	p, err := r.ledger.payments.GetUninvoicedPaymentByCustomer(ctx, incoming.StripeCustomerID, incoming.Amount, r.now().Add(-pairingWindow))
	if errors.Is(err, store.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find uninvoiced payment for %s: %w", incoming.StripeCustomerID, err)
	}
	log.Printf("[webhook] invoice %s paired with payment %s", lo.FromPtr(incoming.InvoiceID), p.PaymentIntentID)
	return p, nil
}

// subscriptionForCustomer links a payment to its subscription when possible.
func (r *Reconciler) subscriptionForCustomer(ctx context.Context, customerID string) *models.Subscription {
	if customerID == "" {
		return nil
	}
	sub, err := r.subs.GetLatestSubscriptionByCustomerID(ctx, customerID)
	if err != nil {
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			log.Printf("[webhook] subscription lookup for customer %s failed: %v", customerID, err)
		}
		return nil
	}
	return sub
}

func (r *Reconciler) handlePaymentMethodAttached(ctx context.Context, evt ProviderEvent) error {
	pm, err := decodeEvent[paymentMethodPayload](evt)
	if err != nil {
		return err
	}
	if pm.Customer.ID == "" {
		log.Printf("[webhook] payment method %s attached without customer; skipping", pm.ID)
		return nil
	}

	existing, err := r.ledger.payments.GetLatestProcessingPaymentByCustomer(ctx, pm.Customer.ID)
	if errors.Is(err, store.ErrPaymentNotFound) {
		log.Printf("[webhook] payment method %s: no processing payment for %s", pm.ID, pm.Customer.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find processing payment for %s: %w", pm.Customer.ID, err)
	}

	incoming := &models.Payment{
		PaymentIntentID: existing.PaymentIntentID,
		PaymentMethodID: lo.EmptyableToPtr(pm.ID),
		Card:            pm.Card.details(),
	}
	_, err = r.ledger.Record(ctx, existing, incoming)
	return err
}

func (r *Reconciler) handleChargeRefunded(ctx context.Context, evt ProviderEvent) error {
	ch, err := decodeEvent[chargePayload](evt)
	if err != nil {
		return err
	}
	if ch.PaymentIntent.ID == "" {
		log.Printf("[webhook] refunded charge %s has no payment intent; skipping", ch.ID)
		return nil
	}

	err = r.ledger.payments.MarkPaymentRefunded(ctx, ch.PaymentIntent.ID, ch.AmountRefunded)
	if errors.Is(err, store.ErrPaymentNotFound) {
		log.Printf("[webhook] refund for unknown payment %s; skipping", ch.PaymentIntent.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record refund for %s: %w", ch.PaymentIntent.ID, err)
	}
	log.Printf("[webhook] payment %s refunded %d", ch.PaymentIntent.ID, ch.AmountRefunded)
	return nil
}

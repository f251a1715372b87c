package billing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
)

// mergePayment backfills existing with whatever incoming knows that existing
// does not. Populated fields are never overwritten, a succeeded status never
// changes and a synthetic identity gives way to the real payment intent id.
// It reports whether anything changed.
func mergePayment(existing, incoming *models.Payment) (models.Payment, bool) {
	merged := *existing
	changed := false

	fillString := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fillStringPtr := func(dst **string, src *string) {
		if *dst == nil && src != nil && *src != "" {
			v := *src
			*dst = &v
			changed = true
		}
	}
	fillInt64Ptr := func(dst **int64, src *int64) {
		if *dst == nil && src != nil {
			v := *src
			*dst = &v
			changed = true
		}
	}

	if merged.HasSyntheticID() && incoming.PaymentIntentID != "" && !incoming.HasSyntheticID() {
		merged.PaymentIntentID = incoming.PaymentIntentID
		changed = true
	}
	fillStringPtr(&merged.InvoiceID, incoming.InvoiceID)
	fillInt64Ptr(&merged.UserID, incoming.UserID)
	fillInt64Ptr(&merged.SubscriptionID, incoming.SubscriptionID)
	fillString(&merged.StripeCustomerID, incoming.StripeCustomerID)
	fillString(&merged.Currency, incoming.Currency)
	if merged.Amount == 0 && incoming.Amount != 0 {
		merged.Amount = incoming.Amount
		changed = true
	}
	if merged.Status != models.PaymentStatusSucceeded && incoming.Status != "" && incoming.Status != merged.Status {
		merged.Status = incoming.Status
		changed = true
	}
	if merged.PaymentType == "" && incoming.PaymentType != "" {
		merged.PaymentType = incoming.PaymentType
		changed = true
	}
	if card, ok := mergeCard(merged.Card, incoming.Card); ok {
		merged.Card = card
		changed = true
	}
	fillStringPtr(&merged.PaymentMethodID, incoming.PaymentMethodID)
	fillStringPtr(&merged.ReceiptURL, incoming.ReceiptURL)
	if merged.Status != models.PaymentStatusSucceeded {
		fillStringPtr(&merged.FailureReason, incoming.FailureReason)
	}

	return merged, changed
}

func mergeCard(existing, incoming *models.CardDetails) (*models.CardDetails, bool) {
	if incoming == nil {
		return existing, false
	}
	if existing == nil {
		c := *incoming
		return &c, true
	}

	c := *existing
	changed := false
	if c.Brand == "" && incoming.Brand != "" {
		c.Brand, changed = incoming.Brand, true
	}
	if c.Last4 == "" && incoming.Last4 != "" {
		c.Last4, changed = incoming.Last4, true
	}
	if c.ExpMonth == 0 && incoming.ExpMonth != 0 {
		c.ExpMonth, changed = incoming.ExpMonth, true
	}
	if c.ExpYear == 0 && incoming.ExpYear != 0 {
		c.ExpYear, changed = incoming.ExpYear, true
	}
	if c.Funding == "" && incoming.Funding != "" {
		c.Funding, changed = incoming.Funding, true
	}
	if c.Country == "" && incoming.Country != "" {
		c.Country, changed = incoming.Country, true
	}
	return &c, changed
}

// Ledger records payments under upsert-by-identity: create when absent,
// otherwise backfill only. The payment row is the only coordination point
// between the invoice and payment intent events of one transaction.
type Ledger struct {
	payments PaymentStore
}

// NewLedger wraps a payment store.
func NewLedger(payments PaymentStore) *Ledger {
	return &Ledger{payments: payments}
}

// Find locates an existing payment by intent id and then by invoice id.
func (l *Ledger) Find(ctx context.Context, paymentIntentID, invoiceID string) (*models.Payment, error) {
	if paymentIntentID != "" {
		p, err := l.payments.GetPaymentByIntentID(ctx, paymentIntentID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrPaymentNotFound) {
			return nil, err
		}
	}
	if invoiceID != "" {
		p, err := l.payments.GetPaymentByInvoiceID(ctx, invoiceID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrPaymentNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// Record creates incoming, or backfills existing when one is given. A unique
// violation on create means another delivery won the race; the winner is
// loaded and backfilled instead.
func (l *Ledger) Record(ctx context.Context, existing, incoming *models.Payment) (*models.Payment, error) {
	if existing == nil {
		p := *incoming
		err := l.payments.CreatePayment(ctx, &p)
		if err == nil {
			log.Printf("[ledger] recorded payment %s (%d %s, %s)", p.PaymentIntentID, p.Amount, p.Currency, p.Status)
			return &p, nil
		}
		if !errors.Is(err, store.ErrDuplicatePayment) {
			return nil, fmt.Errorf("create payment %s: %w", incoming.PaymentIntentID, err)
		}

		existing, err = l.payments.GetPaymentByIntentID(ctx, incoming.PaymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("reload duplicate payment %s: %w", incoming.PaymentIntentID, err)
		}
		log.Printf("[ledger] payment %s already recorded; backfilling", incoming.PaymentIntentID)
	}

	merged, changed := mergePayment(existing, incoming)
	if !changed {
		return existing, nil
	}

	err := l.payments.UpdatePayment(ctx, &merged)
	if errors.Is(err, store.ErrDuplicatePayment) {
		// A row already owns the real intent id; keep this one under its current id.
		merged.PaymentIntentID = existing.PaymentIntentID
		err = l.payments.UpdatePayment(ctx, &merged)
	}
	if err != nil {
		return nil, fmt.Errorf("backfill payment %s: %w", existing.PaymentIntentID, err)
	}
	return &merged, nil
}

package billing

import (
	"context"
	"log"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// cardResult is what a card source could learn about a payment intent.
type cardResult struct {
	Card            *models.CardDetails
	PaymentMethodID string
	ReceiptURL      string
}

// cardSource is one way of finding card details for a payment intent.
type cardSource struct {
	name    string
	extract func(ctx context.Context, pi *paymentIntentPayload) (cardResult, error)
}

func fromExpandedPaymentMethod(_ context.Context, pi *paymentIntentPayload) (cardResult, error) {
	res := cardResult{PaymentMethodID: pi.PaymentMethod.ID}
	var pm paymentMethodPayload
	if pi.PaymentMethod.expanded(&pm) {
		res.Card = pm.Card.details()
	}
	return res, nil
}

func fromPayloadCharge(_ context.Context, pi *paymentIntentPayload) (cardResult, error) {
	ch := pi.charge()
	if ch == nil {
		return cardResult{}, nil
	}
	return cardResult{
		Card:            ch.card(),
		PaymentMethodID: ch.PaymentMethod,
		ReceiptURL:      ch.ReceiptURL,
	}, nil
}

func retrieveFromProvider(provider Provider) func(context.Context, *paymentIntentPayload) (cardResult, error) {
	return func(ctx context.Context, pi *paymentIntentPayload) (cardResult, error) {
		details, err := provider.RetrievePaymentIntent(ctx, pi.ID)
		if err != nil {
			return cardResult{}, err
		}
		return cardResult{
			Card:            details.Card,
			PaymentMethodID: details.PaymentMethodID,
			ReceiptURL:      details.ReceiptURL,
		}, nil
	}
}

// extractCard tries each source in order until one yields card details.
// Method id and receipt url are kept from whichever source reported them
// first. Source failures are logged and never abort the event.
func extractCard(ctx context.Context, sources []cardSource, pi *paymentIntentPayload) cardResult {
	var out cardResult
	for _, src := range sources {
		res, err := src.extract(ctx, pi)
		if err != nil {
			log.Printf("[webhook] card lookup via %s for %s failed: %v", src.name, pi.ID, err)
			continue
		}
		if out.PaymentMethodID == "" {
			out.PaymentMethodID = res.PaymentMethodID
		}
		if out.ReceiptURL == "" {
			out.ReceiptURL = res.ReceiptURL
		}
		if res.Card != nil {
			out.Card = res.Card
			return out
		}
	}
	return out
}

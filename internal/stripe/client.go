package stripe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	gostripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/subscription-sync/internal/billing"
	"github.com/PortNumber53/subscription-sync/internal/models"
)

// Config holds the Stripe credentials and transport settings.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// Client implements billing.Provider on top of the Stripe SDK.
type Client struct {
	api           *client.API
	webhookSecret string
}

var _ billing.Provider = (*Client)(nil)

// NewClient creates a new Stripe API client
func NewClient(cfg Config) *Client {
	backendCfg := &gostripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: gostripe.Int64(2),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = gostripe.String(cfg.BaseURL)
	}
	backend := gostripe.GetBackendWithConfig(gostripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &gostripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Client{api: api, webhookSecret: cfg.WebhookSecret}
}

// CreateCheckoutSession creates a Stripe Checkout session for a subscription.
// The user id travels in the session and subscription metadata so webhooks can
// resolve the account.
func (c *Client) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (*billing.CheckoutSession, error) {
	userID := strconv.FormatInt(p.UserID, 10)

	params := &gostripe.CheckoutSessionParams{
		Mode:              gostripe.String(string(gostripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: gostripe.String(userID),
		SuccessURL:        gostripe.String(p.SuccessURL),
		CancelURL:         gostripe.String(p.CancelURL),
		LineItems: []*gostripe.CheckoutSessionLineItemParams{{
			Price:    gostripe.String(p.PriceID),
			Quantity: gostripe.Int64(1),
		}},
		SubscriptionData: &gostripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id":   userID,
				"plan_type": string(p.PlanType),
			},
		},
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = gostripe.String(p.CustomerEmail)
	}
	if p.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = gostripe.Int64(int64(p.TrialDays))
	}
	params.AddMetadata("user_id", userID)
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if sess.ID == "" {
		return nil, errors.New("create checkout session: missing session ID in response")
	}
	return &billing.CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// SwapSubscriptionPrice moves the subscription's single item to priceID
// without proration.
func (c *Client) SwapSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) error {
	getParams := &gostripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, getParams)
	if err != nil {
		return fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", subscriptionID)
	}
	item := sub.Items.Data[0]
	if item.Price != nil && item.Price.ID == priceID {
		log.Printf("[stripe] subscription %s already on price %s", subscriptionID, priceID)
		return nil
	}

	params := &gostripe.SubscriptionParams{
		Items: []*gostripe.SubscriptionItemsParams{{
			ID:    gostripe.String(item.ID),
			Price: gostripe.String(priceID),
		}},
		ProrationBehavior: gostripe.String("none"),
	}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("update subscription %s price: %w", subscriptionID, err)
	}

	log.Printf("[stripe] moved subscription %s to price %s", subscriptionID, priceID)
	return nil
}

// RetrievePaymentIntent loads a payment intent with its payment method and
// latest charge expanded.
func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*billing.PaymentIntentDetails, error) {
	params := &gostripe.PaymentIntentParams{}
	params.AddExpand("payment_method")
	params.AddExpand("latest_charge")
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", id, err)
	}

	details := &billing.PaymentIntentDetails{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
	}
	if pi.Customer != nil {
		details.CustomerID = pi.Customer.ID
	}
	if pm := pi.PaymentMethod; pm != nil {
		details.PaymentMethodID = pm.ID
		if pm.Card != nil {
			details.Card = &models.CardDetails{
				Brand:    string(pm.Card.Brand),
				Last4:    pm.Card.Last4,
				ExpMonth: int(pm.Card.ExpMonth),
				ExpYear:  int(pm.Card.ExpYear),
				Funding:  string(pm.Card.Funding),
				Country:  pm.Card.Country,
			}
		}
	}
	if ch := pi.LatestCharge; ch != nil {
		details.ReceiptURL = ch.ReceiptURL
		if details.Card == nil && ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
			card := ch.PaymentMethodDetails.Card
			details.Card = &models.CardDetails{
				Brand:    string(card.Brand),
				Last4:    card.Last4,
				ExpMonth: int(card.ExpMonth),
				ExpYear:  int(card.ExpYear),
				Funding:  string(card.Funding),
				Country:  card.Country,
			}
		}
	}
	return details, nil
}

// RetrieveChargePaymentIntent returns the payment intent id behind a charge.
func (c *Client) RetrieveChargePaymentIntent(ctx context.Context, chargeID string) (string, error) {
	params := &gostripe.ChargeParams{}
	params.Context = ctx
	ch, err := c.api.Charges.Get(chargeID, params)
	if err != nil {
		return "", fmt.Errorf("get charge %s: %w", chargeID, err)
	}
	if ch.PaymentIntent == nil {
		return "", nil
	}
	return ch.PaymentIntent.ID, nil
}

// RetrieveInvoicePaymentIntent returns the payment intent that paid the
// invoice, or "" when the invoice has no intent-backed payment. Newer API
// versions leave the intent off invoice payloads entirely.
func (c *Client) RetrieveInvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	params := &gostripe.InvoicePaymentListParams{Invoice: gostripe.String(invoiceID)}
	params.Context = ctx
	params.Limit = gostripe.Int64(10)

	var fallback string
	iter := c.api.InvoicePayments.List(params)
	for iter.Next() {
		ip := iter.InvoicePayment()
		if ip.Payment == nil || ip.Payment.PaymentIntent == nil || ip.Payment.PaymentIntent.ID == "" {
			continue
		}
		if ip.Status == "paid" {
			return ip.Payment.PaymentIntent.ID, nil
		}
		if fallback == "" {
			fallback = ip.Payment.PaymentIntent.ID
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list payments for invoice %s: %w", invoiceID, err)
	}
	return fallback, nil
}

// RetrievePaymentIntentInvoice returns the invoice a payment intent paid, or ""
// when the intent is not attached to an invoice.
func (c *Client) RetrievePaymentIntentInvoice(ctx context.Context, paymentIntentID string) (string, error) {
	params := &gostripe.InvoicePaymentListParams{
		Payment: &gostripe.InvoicePaymentListPaymentParams{
			Type:          gostripe.String(string(gostripe.InvoicePaymentPaymentTypePaymentIntent)),
			PaymentIntent: gostripe.String(paymentIntentID),
		},
	}
	params.Context = ctx
	params.Limit = gostripe.Int64(1)

	iter := c.api.InvoicePayments.List(params)
	for iter.Next() {
		if ip := iter.InvoicePayment(); ip.Invoice != nil && ip.Invoice.ID != "" {
			return ip.Invoice.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list invoice payments for %s: %w", paymentIntentID, err)
	}
	return "", nil
}

// ParseWebhook verifies the Stripe-Signature header and returns the event.
// API version mismatches are tolerated; the payload decoding is lenient.
func (c *Client) ParseWebhook(payload []byte, signature string) (*billing.ProviderEvent, error) {
	if c.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidSignature, event.ID)
	}
	return &billing.ProviderEvent{
		ID:   event.ID,
		Type: string(event.Type),
		Data: event.Data.Raw,
	}, nil
}

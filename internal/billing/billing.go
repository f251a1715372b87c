// Package billing keeps local subscription and payment records consistent with
// the payment provider. It owns the plan policy, the trial clock, the upgrade
// from the initial to the recurring plan and the reconciliation of provider
// webhook events.
package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// UserStore is the slice of the account store billing depends on.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	MarkEverSubscribed(ctx context.Context, userID int64) (bool, error)
}

// PlanStore resolves plan reference data.
type PlanStore interface {
	GetActivePlan(ctx context.Context, planType models.PlanType) (*models.SubscriptionPlan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	GetLatestSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error)
	ListDueTrialSubscriptions(ctx context.Context, now time.Time, afterID int64, limit int) ([]models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	MarkSubscriptionUpgraded(ctx context.Context, id int64, plan *models.SubscriptionPlan) (bool, error)
}

// PaymentStore persists payments keyed by payment intent id.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByIntentID(ctx context.Context, paymentIntentID string) (*models.Payment, error)
	GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error)
	GetLatestProcessingPaymentByCustomer(ctx context.Context, customerID string) (*models.Payment, error)
	GetUninvoicedPaymentByCustomer(ctx context.Context, customerID string, amount int64, since time.Time) (*models.Payment, error)
	GetSyntheticPaymentByCustomer(ctx context.Context, customerID string, amount int64, since time.Time) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	MarkPaymentRefunded(ctx context.Context, paymentIntentID string, refundAmount int64) error
}

// Provider is the billing provider as seen by the engine.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	SwapSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) error
	RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntentDetails, error)
	RetrieveChargePaymentIntent(ctx context.Context, chargeID string) (string, error)
	RetrieveInvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error)
	RetrievePaymentIntentInvoice(ctx context.Context, paymentIntentID string) (string, error)
	ParseWebhook(payload []byte, signature string) (*ProviderEvent, error)
}

// Notifier delivers subscription notifications. Failures never affect state.
type Notifier interface {
	SendSubscriptionConfirmation(ctx context.Context, user *models.User, sub *models.Subscription) error
}

// CheckoutParams describes a hosted checkout session for one plan.
type CheckoutParams struct {
	UserID        int64
	CustomerEmail string
	PriceID       string
	PlanType      models.PlanType
	TrialDays     int
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the provider's hosted checkout page.
type CheckoutSession struct {
	ID  string
	URL string
}

// PaymentIntentDetails is a payment intent retrieved with its payment method
// and latest charge expanded.
type PaymentIntentDetails struct {
	ID              string
	Status          string
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	ReceiptURL      string
	Card            *models.CardDetails
}

// ProviderEvent is a verified webhook notification.
type ProviderEvent struct {
	ID   string
	Type string
	Data json.RawMessage
}

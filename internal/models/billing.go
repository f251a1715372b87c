package models

import (
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// SubscriptionStatus mirrors the provider's subscription status vocabulary.
type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

// LiveSubscriptionStatuses are the statuses that count as "the user currently has a plan".
var LiveSubscriptionStatuses = mapset.NewSet(SubscriptionActive, SubscriptionTrialing)

var knownSubscriptionStatuses = mapset.NewSet(
	SubscriptionIncomplete,
	SubscriptionIncompleteExpired,
	SubscriptionTrialing,
	SubscriptionActive,
	SubscriptionPastDue,
	SubscriptionCanceled,
	SubscriptionUnpaid,
)

// ParseSubscriptionStatus returns the status and whether it is part of the known vocabulary.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, bool) {
	s := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, knownSubscriptionStatuses.Contains(s)
}

// PaymentType classifies what a payment paid for.
type PaymentType string

const (
	PaymentInitial   PaymentType = "initial_payment"
	PaymentRecurring PaymentType = "recurring_payment"
	PaymentUpgrade   PaymentType = "upgrade_payment"
)

// Payment statuses follow the provider's payment-intent vocabulary. Only the
// ones the reconciler writes itself are named here.
const (
	PaymentStatusSucceeded  = "succeeded"
	PaymentStatusProcessing = "processing"
	PaymentStatusCanceled   = "canceled"
)

// SyntheticPaymentPrefix marks payment identities derived from an invoice id
// because the provider event carried no payment-intent reference.
const SyntheticPaymentPrefix = "synthetic_"

// Subscription is one billing relationship instance between a user and the provider.
type Subscription struct {
	ID                     int64              `json:"id"`
	UserID                 int64              `json:"user_id"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	StripeCustomerID       string             `json:"stripe_customer_id"`
	StripePriceID          string             `json:"stripe_price_id"`
	Status                 SubscriptionStatus `json:"status"`
	SubscriptionType       PlanType           `json:"subscription_type"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	TrialStart             *time.Time         `json:"trial_start,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	IsFirstSubscription    bool               `json:"is_first_subscription"`
	Amount                 int64              `json:"amount"`
	Currency               string             `json:"currency"`
	Interval               string             `json:"interval"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// IsLive reports whether the subscription is active or trialing.
func (s *Subscription) IsLive() bool {
	return s != nil && LiveSubscriptionStatuses.Contains(s.Status)
}

// CardDetails is the card metadata attached to a payment once the provider reports it.
type CardDetails struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Funding  string `json:"funding,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Payment is one attempted monetary transaction, keyed by payment-intent id.
type Payment struct {
	ID               int64        `json:"id"`
	PaymentIntentID  string       `json:"payment_intent_id"`
	InvoiceID        *string      `json:"invoice_id,omitempty"`
	UserID           *int64       `json:"user_id,omitempty"`
	SubscriptionID   *int64       `json:"subscription_id,omitempty"`
	StripeCustomerID string       `json:"stripe_customer_id"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	Status           string       `json:"status"`
	PaymentType      PaymentType  `json:"payment_type,omitempty"`
	Card             *CardDetails `json:"card,omitempty"`
	PaymentMethodID  *string      `json:"payment_method_id,omitempty"`
	ReceiptURL       *string      `json:"receipt_url,omitempty"`
	FailureReason    *string      `json:"failure_reason,omitempty"`
	Refunded         bool         `json:"refunded"`
	RefundAmount     int64        `json:"refund_amount"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// HasSyntheticID reports whether the payment is still keyed by an invoice-derived id.
func (p *Payment) HasSyntheticID() bool {
	return strings.HasPrefix(p.PaymentIntentID, SyntheticPaymentPrefix)
}

// SyntheticPaymentID derives the fallback payment identity for an invoice.
func SyntheticPaymentID(invoiceID string) string {
	return SyntheticPaymentPrefix + invoiceID
}

// CheckoutRequest represents a request to create a Stripe checkout session
type CheckoutRequest struct {
	UserID     int64  `json:"user_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutResponse represents the response from creating a checkout session
type CheckoutResponse struct {
	SessionID  string   `json:"session_id"`
	SessionURL string   `json:"session_url"`
	PlanType   PlanType `json:"plan_type"`
}

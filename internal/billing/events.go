package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// EventKind is the closed set of provider notifications the reconciler acts on.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCheckoutCompleted
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventSubscriptionTrialWillEnd
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
	EventPaymentIntentSucceeded
	EventPaymentMethodAttached
	EventChargeRefunded
)

var eventKindsByType = map[string]EventKind{
	"checkout.session.completed":           EventCheckoutCompleted,
	"customer.subscription.created":        EventSubscriptionCreated,
	"customer.subscription.updated":        EventSubscriptionUpdated,
	"customer.subscription.deleted":        EventSubscriptionDeleted,
	"customer.subscription.trial_will_end": EventSubscriptionTrialWillEnd,
	"invoice.payment_succeeded":            EventInvoicePaymentSucceeded,
	"invoice.paid":                         EventInvoicePaymentSucceeded,
	"invoice.payment_failed":               EventInvoicePaymentFailed,
	"payment_intent.succeeded":             EventPaymentIntentSucceeded,
	"payment_method.attached":              EventPaymentMethodAttached,
	"charge.refunded":                      EventChargeRefunded,
}

var eventKindNames = map[EventKind]string{
	EventUnknown:                  "unknown",
	EventCheckoutCompleted:        "checkout_completed",
	EventSubscriptionCreated:      "subscription_created",
	EventSubscriptionUpdated:      "subscription_updated",
	EventSubscriptionDeleted:      "subscription_deleted",
	EventSubscriptionTrialWillEnd: "subscription_trial_will_end",
	EventInvoicePaymentSucceeded:  "invoice_payment_succeeded",
	EventInvoicePaymentFailed:     "invoice_payment_failed",
	EventPaymentIntentSucceeded:   "payment_intent_succeeded",
	EventPaymentMethodAttached:    "payment_method_attached",
	EventChargeRefunded:           "charge_refunded",
}

// ParseEventKind maps a provider event type onto its kind.
func ParseEventKind(eventType string) EventKind {
	return eventKindsByType[eventType]
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// expandable decodes a provider reference that is either a bare id or an
// expanded object. The raw object is kept when present.
type expandable struct {
	ID     string
	Object json.RawMessage
}

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	e.Object = append(json.RawMessage(nil), b...)
	return nil
}

// expanded decodes the expanded object into v and reports whether one was present.
func (e expandable) expanded(v any) bool {
	if len(e.Object) == 0 {
		return false
	}
	return json.Unmarshal(e.Object, v) == nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandable        `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Subscription      expandable        `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (c checkoutSessionPayload) email() string {
	if c.CustomerDetails != nil && c.CustomerDetails.Email != "" {
		return c.CustomerDetails.Email
	}
	return c.CustomerEmail
}

type pricePayload struct {
	ID         string `json:"id"`
	UnitAmount *int64 `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type subscriptionItemPayload struct {
	ID                 string       `json:"id"`
	Price              pricePayload `json:"price"`
	CurrentPeriodStart *int64       `json:"current_period_start"`
	CurrentPeriodEnd   *int64       `json:"current_period_end"`
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  *bool             `json:"cancel_at_period_end"`
	CanceledAt         *int64            `json:"canceled_at"`
	EndedAt            *int64            `json:"ended_at"`
	CurrentPeriodStart *int64            `json:"current_period_start"`
	CurrentPeriodEnd   *int64            `json:"current_period_end"`
	TrialStart         *int64            `json:"trial_start"`
	TrialEnd           *int64            `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

func (s subscriptionPayload) firstItem() *subscriptionItemPayload {
	if len(s.Items.Data) == 0 {
		return nil
	}
	return &s.Items.Data[0]
}

func (s subscriptionPayload) price() *pricePayload {
	if item := s.firstItem(); item != nil {
		return &item.Price
	}
	return nil
}

func (s subscriptionPayload) priceID() string {
	if p := s.price(); p != nil {
		return p.ID
	}
	return ""
}

// periodStart prefers the subscription-level bound and falls back to the
// first item, where newer API versions report it.
func (s subscriptionPayload) periodStart() *time.Time {
	if s.CurrentPeriodStart != nil {
		return unixTime(s.CurrentPeriodStart)
	}
	if item := s.firstItem(); item != nil {
		return unixTime(item.CurrentPeriodStart)
	}
	return nil
}

func (s subscriptionPayload) periodEnd() *time.Time {
	if s.CurrentPeriodEnd != nil {
		return unixTime(s.CurrentPeriodEnd)
	}
	if item := s.firstItem(); item != nil {
		return unixTime(item.CurrentPeriodEnd)
	}
	return nil
}

type invoicePayload struct {
	ID               string     `json:"id"`
	Customer         expandable `json:"customer"`
	Subscription     expandable `json:"subscription"`
	BillingReason    string     `json:"billing_reason"`
	AmountPaid       int64      `json:"amount_paid"`
	AmountDue        int64      `json:"amount_due"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	PaymentIntent    expandable `json:"payment_intent"`
	Charge           expandable `json:"charge"`
	AttemptCount     int        `json:"attempt_count"`
	HostedInvoiceURL string     `json:"hosted_invoice_url"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandable `json:"payment_intent"`
				Charge        expandable `json:"charge"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func (i invoicePayload) subscriptionID() string {
	if i.Subscription.ID != "" {
		return i.Subscription.ID
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (i invoicePayload) paymentIntentID() string {
	if i.PaymentIntent.ID != "" {
		return i.PaymentIntent.ID
	}
	if i.Payments != nil {
		for _, entry := range i.Payments.Data {
			if entry.Payment.PaymentIntent.ID != "" {
				return entry.Payment.PaymentIntent.ID
			}
		}
	}
	return ""
}

func (i invoicePayload) chargeID() string {
	if i.Charge.ID != "" {
		return i.Charge.ID
	}
	if i.Payments != nil {
		for _, entry := range i.Payments.Data {
			if entry.Payment.Charge.ID != "" {
				return entry.Payment.Charge.ID
			}
		}
	}
	return ""
}

func (i invoicePayload) failureReason() string {
	if i.LastFinalizationError != nil && i.LastFinalizationError.Message != "" {
		return i.LastFinalizationError.Message
	}
	if i.AttemptCount > 0 {
		return fmt.Sprintf("invoice payment failed (attempt %d)", i.AttemptCount)
	}
	return "invoice payment failed"
}

type cardPayload struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Funding  string `json:"funding"`
	Country  string `json:"country"`
}

func (c *cardPayload) details() *models.CardDetails {
	if c == nil || (c.Brand == "" && c.Last4 == "") {
		return nil
	}
	return &models.CardDetails{
		Brand:    c.Brand,
		Last4:    c.Last4,
		ExpMonth: c.ExpMonth,
		ExpYear:  c.ExpYear,
		Funding:  c.Funding,
		Country:  c.Country,
	}
}

type paymentMethodPayload struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Customer expandable   `json:"customer"`
	Card     *cardPayload `json:"card"`
}

type chargePayload struct {
	ID                   string     `json:"id"`
	PaymentIntent        expandable `json:"payment_intent"`
	Amount               int64      `json:"amount"`
	AmountRefunded       int64      `json:"amount_refunded"`
	Refunded             bool       `json:"refunded"`
	ReceiptURL           string     `json:"receipt_url"`
	PaymentMethod        string     `json:"payment_method"`
	PaymentMethodDetails *struct {
		Card *cardPayload `json:"card"`
	} `json:"payment_method_details"`
}

func (c *chargePayload) card() *models.CardDetails {
	if c == nil || c.PaymentMethodDetails == nil {
		return nil
	}
	return c.PaymentMethodDetails.Card.details()
}

type paymentIntentPayload struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Customer       expandable        `json:"customer"`
	Invoice        expandable        `json:"invoice"`
	PaymentMethod  expandable        `json:"payment_method"`
	LatestCharge   expandable        `json:"latest_charge"`
	Metadata       map[string]string `json:"metadata"`
	Charges        *struct {
		Data []chargePayload `json:"data"`
	} `json:"charges"`
}

func (p paymentIntentPayload) amount() int64 {
	return lo.Ternary(p.AmountReceived > 0, p.AmountReceived, p.Amount)
}

// charge returns the payload's charge, from the expanded latest_charge or the
// legacy embedded charges list.
func (p paymentIntentPayload) charge() *chargePayload {
	var latest chargePayload
	if p.LatestCharge.expanded(&latest) {
		return &latest
	}
	if p.Charges != nil && len(p.Charges.Data) > 0 {
		return &p.Charges.Data[0]
	}
	return nil
}

// decodeEvent unmarshals the event object into T.
func decodeEvent[T any](evt ProviderEvent) (T, error) {
	var out T
	if err := json.Unmarshal(evt.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return out, nil
}

func unixTime(ts *int64) *time.Time {
	if ts == nil || *ts == 0 {
		return nil
	}
	return lo.ToPtr(time.Unix(*ts, 0).UTC())
}

func metadataUserID(md map[string]string) (int64, bool) {
	raw, ok := md["user_id"]
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

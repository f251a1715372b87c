package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/subscription-sync/internal/models"
	"github.com/PortNumber53/subscription-sync/internal/store"
)

// memStore is an in-memory stand-in for the postgres store. Like the real
// table it enforces uniqueness of payment intent ids and subscription ids.
type memStore struct {
	mu sync.Mutex

	users    map[int64]*models.User
	plans    []models.SubscriptionPlan
	subs     []*models.Subscription
	payments []*models.Payment

	historyErr    error
	nextID        int64
	dueTrialPages int
	clock      func() time.Time
}

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{users: make(map[int64]*models.User), clock: clock}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addUser(id int64, email string, everSubscribed bool) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &models.User{ID: id, Email: email, HasEverSubscribed: everSubscribed}
	m.users[id] = u
	return u
}

func (m *memStore) addPlan(planType models.PlanType, priceID string, amount int64, interval string, trialDays int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, models.SubscriptionPlan{
		ID:            m.id(),
		PlanType:      planType,
		Name:          string(planType),
		StripePriceID: &priceID,
		Amount:        amount,
		Currency:      "usd",
		Interval:      interval,
		TrialDays:     trialDays,
		IsActive:      true,
	})
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *memStore) MarkEverSubscribed(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.HasEverSubscribed {
		return false, nil
	}
	u.HasEverSubscribed = true
	return true, nil
}

func (m *memStore) GetActivePlan(_ context.Context, planType models.PlanType) (*models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.PlanType == planType && p.IsActive {
			c := p
			return &c, nil
		}
	}
	return nil, store.ErrPlanNotFound
}

func (m *memStore) GetPlanByPriceID(_ context.Context, priceID string) (*models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.PriceID() == priceID {
			c := p
			return &c, nil
		}
	}
	return nil, store.ErrPlanNotFound
}

func (m *memStore) CreateSubscription(_ context.Context, sub *models.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ExternalSubscriptionID == sub.ExternalSubscriptionID {
			return false, nil
		}
	}
	sub.ID = m.id()
	sub.CreatedAt = m.clock()
	sub.UpdatedAt = sub.CreatedAt
	c := *sub
	m.subs = append(m.subs, &c)
	return true, nil
}

func (m *memStore) GetSubscriptionByExternalID(_ context.Context, externalID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ExternalSubscriptionID == externalID {
			c := *s
			return &c, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memStore) GetLatestSubscriptionByCustomerID(_ context.Context, customerID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.subs) - 1; i >= 0; i-- {
		if m.subs[i].StripeCustomerID == customerID {
			c := *m.subs[i]
			return &c, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memStore) ListSubscriptionsByUser(_ context.Context, userID int64) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	var out []models.Subscription
	for i := len(m.subs) - 1; i >= 0; i-- {
		if m.subs[i].UserID == userID {
			out = append(out, *m.subs[i])
		}
	}
	return out, nil
}

func (m *memStore) ListDueTrialSubscriptions(_ context.Context, now time.Time, afterID int64, limit int) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dueTrialPages++
	var out []models.Subscription
	for _, s := range m.subs {
		if s.ID > afterID && s.SubscriptionType == models.PlanInitial && s.IsLive() && s.TrialEnd != nil && !s.TrialEnd.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSubscription mirrors the SQL statement: the type never moves back to
// initial and a recurring row keeps its price terms against initial writes.
func (m *memStore) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.ID == sub.ID {
			c := *sub
			if s.SubscriptionType == models.PlanRecurring && sub.SubscriptionType != models.PlanRecurring {
				c.SubscriptionType = models.PlanRecurring
				c.StripePriceID, c.Amount, c.Currency, c.Interval = s.StripePriceID, s.Amount, s.Currency, s.Interval
			}
			if c.SubscriptionType == models.PlanRecurring {
				c.TrialStart, c.TrialEnd = nil, nil
			}
			m.subs[i] = &c
			*sub = c
			return nil
		}
	}
	return store.ErrSubscriptionNotFound
}

func (m *memStore) MarkSubscriptionUpgraded(_ context.Context, id int64, plan *models.SubscriptionPlan) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id && s.SubscriptionType == models.PlanInitial {
			s.SubscriptionType = models.PlanRecurring
			s.StripePriceID = plan.PriceID()
			s.Amount = plan.Amount
			s.Currency = plan.Currency
			s.Interval = plan.Interval
			s.IsFirstSubscription = false
			s.TrialStart, s.TrialEnd = nil, nil
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.PaymentIntentID == p.PaymentIntentID {
			return store.ErrDuplicatePayment
		}
	}
	p.ID = m.id()
	p.CreatedAt = m.clock()
	p.UpdatedAt = p.CreatedAt
	c := *p
	m.payments = append(m.payments, &c)
	return nil
}

func (m *memStore) findPayment(match func(*models.Payment) bool) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.payments) - 1; i >= 0; i-- {
		if match(m.payments[i]) {
			c := *m.payments[i]
			return &c, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (m *memStore) GetPaymentByIntentID(_ context.Context, id string) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool { return p.PaymentIntentID == id })
}

func (m *memStore) GetPaymentByInvoiceID(_ context.Context, invoiceID string) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool { return p.InvoiceID != nil && *p.InvoiceID == invoiceID })
}

func (m *memStore) GetLatestProcessingPaymentByCustomer(_ context.Context, customerID string) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool {
		return p.StripeCustomerID == customerID && p.Status == models.PaymentStatusProcessing
	})
}

func (m *memStore) GetUninvoicedPaymentByCustomer(_ context.Context, customerID string, amount int64, since time.Time) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool {
		return p.StripeCustomerID == customerID && p.Amount == amount && !p.CreatedAt.Before(since) &&
			p.InvoiceID == nil && !p.HasSyntheticID()
	})
}

func (m *memStore) GetSyntheticPaymentByCustomer(_ context.Context, customerID string, amount int64, since time.Time) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool {
		return p.StripeCustomerID == customerID && p.Amount == amount && !p.CreatedAt.Before(since) && p.HasSyntheticID()
	})
}

func (m *memStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.ID != p.ID && existing.PaymentIntentID == p.PaymentIntentID {
			return store.ErrDuplicatePayment
		}
	}
	for i, existing := range m.payments {
		if existing.ID == p.ID {
			c := *p
			m.payments[i] = &c
			return nil
		}
	}
	return store.ErrPaymentNotFound
}

func (m *memStore) MarkPaymentRefunded(_ context.Context, paymentIntentID string, refundAmount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.PaymentIntentID == paymentIntentID {
			p.Refunded = true
			if refundAmount > p.RefundAmount {
				p.RefundAmount = refundAmount
			}
			return nil
		}
	}
	return store.ErrPaymentNotFound
}

func (m *memStore) allPayments() []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, *p)
	}
	return out
}

const validSignature = "t=1,v1=valid"

type swapCall struct {
	SubscriptionID string
	PriceID        string
}

type fakeProvider struct {
	mu            sync.Mutex
	swaps         []swapCall
	swapErr       error
	swapErrFor    map[string]error
	checkouts     []CheckoutParams
	checkoutErr   error
	intents        map[string]*PaymentIntentDetails
	chargeIntents  map[string]string
	invoiceIntents map[string]string
	lookupErr      error
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, params CheckoutParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, params)
	return &CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (f *fakeProvider) SwapSubscriptionPrice(_ context.Context, subscriptionID, priceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapErr != nil {
		return f.swapErr
	}
	if err := f.swapErrFor[subscriptionID]; err != nil {
		return err
	}
	f.swaps = append(f.swaps, swapCall{SubscriptionID: subscriptionID, PriceID: priceID})
	return nil
}

func (f *fakeProvider) RetrievePaymentIntent(_ context.Context, id string) (*PaymentIntentDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.intents[id]; ok {
		return d, nil
	}
	return nil, errors.New("no such payment_intent")
}

func (f *fakeProvider) RetrieveChargePaymentIntent(_ context.Context, chargeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.chargeIntents[chargeID]; ok {
		return id, nil
	}
	return "", errors.New("no such charge")
}

func (f *fakeProvider) RetrieveInvoicePaymentIntent(_ context.Context, invoiceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	return f.invoiceIntents[invoiceID], nil
}

func (f *fakeProvider) RetrievePaymentIntentInvoice(_ context.Context, paymentIntentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	for invoiceID, piID := range f.invoiceIntents {
		if piID == paymentIntentID {
			return invoiceID, nil
		}
	}
	return "", nil
}

func (f *fakeProvider) ParseWebhook(payload []byte, signature string) (*ProviderEvent, error) {
	if signature != validSignature {
		return nil, errors.New("signature mismatch")
	}
	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	return &ProviderEvent{ID: raw.ID, Type: raw.Type, Data: raw.Data.Object}, nil
}

func (f *fakeProvider) swapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.swaps)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *recordingNotifier) SendSubscriptionConfirmation(_ context.Context, _ *models.User, sub *models.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sub.ExternalSubscriptionID)
	return n.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

const (
	initialPrice   = "price_initial"
	recurringPrice = "price_recurring"
)

type harness struct {
	svc      *Service
	store    *memStore
	provider *fakeProvider
	notifier *recordingNotifier
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	st := newMemStore(clock.Now)
	st.addPlan(models.PlanInitial, initialPrice, 199, "week", 3)
	st.addPlan(models.PlanRecurring, recurringPrice, 999, "week", 0)

	provider := &fakeProvider{
		intents:        make(map[string]*PaymentIntentDetails),
		chargeIntents:  make(map[string]string),
		invoiceIntents: make(map[string]string),
	}
	notifier := &recordingNotifier{}

	svc, err := NewService(Deps{
		Users:         st,
		Plans:         st,
		Subscriptions: st,
		Payments:      st,
		Provider:      provider,
		Notifier:      notifier,
		SuccessURL:    "https://app.example/billing/success",
		CancelURL:     "https://app.example/billing/cancel",
		Now:           clock.Now,
	})
	require.NoError(t, err)

	return &harness{svc: svc, store: st, provider: provider, notifier: notifier, clock: clock}
}

// deliver sends a signed event through the public entry point.
func (h *harness) deliver(t *testing.T, id, eventType string, object map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleProviderEvent(context.Background(), payload, validSignature))
}

func subscriptionObject(id, customer, priceID, status string, userID int64, trialStart, trialEnd *time.Time, periodStart time.Time) map[string]any {
	obj := map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             map[string]any{"user_id": strconv.FormatInt(userID, 10)},
		"items": map[string]any{
			"data": []any{map[string]any{
				"id":                   "si_" + id,
				"current_period_start": periodStart.Unix(),
				"current_period_end":   periodStart.Add(7 * 24 * time.Hour).Unix(),
				"price": map[string]any{
					"id":        priceID,
					"currency":  "usd",
					"recurring": map[string]any{"interval": "week"},
				},
			}},
		},
	}
	if trialStart != nil {
		obj["trial_start"] = trialStart.Unix()
	}
	if trialEnd != nil {
		obj["trial_end"] = trialEnd.Unix()
	}
	return obj
}

func invoiceObject(id, customer, subscriptionID, paymentIntentID string, amount int64, reason string) map[string]any {
	obj := map[string]any{
		"id":             id,
		"object":         "invoice",
		"customer":       customer,
		"subscription":   subscriptionID,
		"billing_reason": reason,
		"amount_paid":    amount,
		"amount_due":     amount,
		"currency":       "usd",
		"status":         "paid",
	}
	if paymentIntentID != "" {
		obj["payment_intent"] = paymentIntentID
	}
	return obj
}

func paymentIntentObject(id, customer, invoiceID string, amount int64) map[string]any {
	obj := map[string]any{
		"id":              id,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": amount,
		"currency":        "usd",
		"status":          "succeeded",
		"customer":        customer,
		"payment_method": map[string]any{
			"id":   "pm_card_visa",
			"type": "card",
			"card": map[string]any{
				"brand":     "visa",
				"last4":     "4242",
				"exp_month": 12,
				"exp_year":  2030,
				"funding":   "credit",
				"country":   "US",
			},
		},
	}
	if invoiceID != "" {
		obj["invoice"] = invoiceID
	}
	return obj
}

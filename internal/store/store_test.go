package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
	if _, err := NewPlanStore(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
	if _, err := NewJobStore(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestGetUserByID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "email", "name", "has_ever_subscribed", "created_at", "updated_at"}).
		AddRow(int64(7), "user@example.com", nil, true, now, now)
	mock.ExpectQuery(`SELECT id, email, name, has_ever_subscribed`).WithArgs(int64(7)).WillReturnRows(rows)

	user, err := s.GetUserByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetUserByID returned error: %v", err)
	}
	if user.Email != "user@example.com" || !user.HasEverSubscribed {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Name != nil {
		t.Fatalf("expected nil name, got %q", *user.Name)
	}

	expectationsMet(t, mock)
}

func TestGetUserByIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM users`).WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetUserByID(context.Background(), 99)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestGetUserByEmailIsCaseInsensitive(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "email", "name", "has_ever_subscribed", "created_at", "updated_at"}).
		AddRow(int64(3), "Buyer@Example.com", "Buyer", false, now, now)
	mock.ExpectQuery(`lower\(email\) = lower\(\$1\)`).WithArgs("buyer@example.com").WillReturnRows(rows)

	user, err := s.GetUserByEmail(context.Background(), "buyer@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail returned error: %v", err)
	}
	if user.ID != 3 || user.Name == nil || *user.Name != "Buyer" {
		t.Fatalf("unexpected user: %+v", user)
	}

	expectationsMet(t, mock)
}

func TestMarkEverSubscribed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`SET has_ever_subscribed = TRUE`).WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET has_ever_subscribed = TRUE`).WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	flipped, err := s.MarkEverSubscribed(context.Background(), 5)
	if err != nil || !flipped {
		t.Fatalf("first call: flipped=%v err=%v", flipped, err)
	}
	flipped, err = s.MarkEverSubscribed(context.Background(), 5)
	if err != nil || flipped {
		t.Fatalf("second call: flipped=%v err=%v", flipped, err)
	}

	expectationsMet(t, mock)
}

func TestCreateSubscription(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO subscriptions`).WithArgs(anyArgs(16)...).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(11), now, now))

	sub := &models.Subscription{
		UserID:                 1,
		ExternalSubscriptionID: "sub_1",
		Status:                 models.SubscriptionTrialing,
		SubscriptionType:       models.PlanInitial,
	}
	created, err := s.CreateSubscription(context.Background(), sub)
	if err != nil {
		t.Fatalf("CreateSubscription returned error: %v", err)
	}
	if !created || sub.ID != 11 {
		t.Fatalf("expected created row 11, got created=%v id=%d", created, sub.ID)
	}

	expectationsMet(t, mock)
}

func TestCreateSubscriptionConflictIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`ON CONFLICT \(external_subscription_id\) DO NOTHING`).WithArgs(anyArgs(16)...).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	created, err := s.CreateSubscription(context.Background(), &models.Subscription{ExternalSubscriptionID: "sub_1"})
	if err != nil {
		t.Fatalf("CreateSubscription returned error: %v", err)
	}
	if created {
		t.Fatal("expected created=false on conflict")
	}

	expectationsMet(t, mock)
}

func TestUpdateSubscriptionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE subscriptions`).WithArgs(anyArgs(14)...).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_type", "updated_at"}))

	err := s.UpdateSubscription(context.Background(), &models.Subscription{ID: 404})
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestUpdateSubscriptionClearsTrialOnceRecurring(t *testing.T) {
	s, mock := newMockStore(t)
	trialEnd := time.Now()

	mock.ExpectQuery(`UPDATE subscriptions`).WithArgs(anyArgs(14)...).
		WillReturnRows(sqlmock.NewRows([]string{"stripe_price_id", "amount", "currency", "billing_interval", "subscription_type", "updated_at"}).
			AddRow("price_recurring", int64(999), "usd", "week", "recurring", time.Now()))

	sub := &models.Subscription{ID: 1, SubscriptionType: models.PlanInitial, StripePriceID: "price_initial", Amount: 199, TrialEnd: &trialEnd}
	if err := s.UpdateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("UpdateSubscription returned error: %v", err)
	}
	if sub.SubscriptionType != models.PlanRecurring || sub.TrialEnd != nil {
		t.Fatalf("expected recurring without trial, got %+v", sub)
	}
	if sub.StripePriceID != "price_recurring" || sub.Amount != 999 {
		t.Fatalf("expected stored recurring terms, got price=%s amount=%d", sub.StripePriceID, sub.Amount)
	}

	expectationsMet(t, mock)
}

func TestUpdateSubscriptionTypesParameters(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`trial_start = CASE WHEN .* ELSE \$7::timestamptz END,\s+trial_end = CASE WHEN .* ELSE \$8::timestamptz END`).
		WithArgs(anyArgs(14)...).
		WillReturnRows(sqlmock.NewRows([]string{"stripe_price_id", "amount", "currency", "billing_interval", "subscription_type", "updated_at"}).
			AddRow("price_initial", int64(199), "usd", "week", "initial", time.Now()))

	if err := s.UpdateSubscription(context.Background(), &models.Subscription{ID: 1, SubscriptionType: models.PlanInitial}); err != nil {
		t.Fatalf("UpdateSubscription returned error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdateSubscriptionGuardsRecurringPriceTerms(t *testing.T) {
	s, mock := newMockStore(t)

	for _, column := range []string{"stripe_price_id", "amount", "currency", "billing_interval"} {
		mock.ExpectQuery(column + ` = CASE WHEN subscription_type = 'recurring' AND \$4::text <> 'recurring' THEN ` + column + ` ELSE`).
			WithArgs(anyArgs(14)...).
			WillReturnRows(sqlmock.NewRows([]string{"stripe_price_id", "amount", "currency", "billing_interval", "subscription_type", "updated_at"}).
				AddRow("price_recurring", int64(999), "usd", "week", "recurring", time.Now()))

		sub := &models.Subscription{ID: 1, SubscriptionType: models.PlanInitial, StripePriceID: "price_initial", Amount: 199}
		if err := s.UpdateSubscription(context.Background(), sub); err != nil {
			t.Fatalf("%s: UpdateSubscription returned error: %v", column, err)
		}
		if sub.StripePriceID != "price_recurring" {
			t.Fatalf("%s: expected stored price to win, got %s", column, sub.StripePriceID)
		}
	}
	expectationsMet(t, mock)
}

func TestListDueTrialSubscriptionsPagesByID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`AND id > \$2\s+ORDER BY id ASC\s+LIMIT \$3`).WithArgs(now, int64(40), 25).
		WillReturnRows(sqlmock.NewRows(nil))

	subs, err := s.ListDueTrialSubscriptions(context.Background(), now, 40, 25)
	if err != nil {
		t.Fatalf("ListDueTrialSubscriptions returned error: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no rows, got %d", len(subs))
	}
	expectationsMet(t, mock)
}

func TestMarkSubscriptionUpgraded(t *testing.T) {
	s, mock := newMockStore(t)
	price := "price_recurring"
	plan := &models.SubscriptionPlan{StripePriceID: &price, Amount: 999, Currency: "usd", Interval: "week"}

	mock.ExpectExec(`WHERE id = \$1 AND subscription_type = 'initial'`).
		WithArgs(int64(2), "price_recurring", int64(999), "usd", "week").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE id = \$1 AND subscription_type = 'initial'`).
		WithArgs(int64(2), "price_recurring", int64(999), "usd", "week").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := s.MarkSubscriptionUpgraded(context.Background(), 2, plan)
	if err != nil || !changed {
		t.Fatalf("first upgrade: changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkSubscriptionUpgraded(context.Background(), 2, plan)
	if err != nil || changed {
		t.Fatalf("second upgrade: changed=%v err=%v", changed, err)
	}

	expectationsMet(t, mock)
}

func TestCreatePaymentDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO payments`).WithArgs(anyArgs(20)...).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := s.CreatePayment(context.Background(), &models.Payment{PaymentIntentID: "pi_1"})
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestCreatePaymentOtherErrorsAreWrapped(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(`INSERT INTO payments`).WithArgs(anyArgs(20)...).WillReturnError(boom)

	err := s.CreatePayment(context.Background(), &models.Payment{PaymentIntentID: "pi_1"})
	if !errors.Is(err, boom) || errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestMarkPaymentRefunded(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE payments\s+SET refunded = TRUE`).WithArgs("pi_1", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE payments\s+SET refunded = TRUE`).WithArgs("pi_missing", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkPaymentRefunded(context.Background(), "pi_1", 500); err != nil {
		t.Fatalf("MarkPaymentRefunded returned error: %v", err)
	}
	if err := s.MarkPaymentRefunded(context.Background(), "pi_missing", 500); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestListPaymentsByUserCapsLimit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	cols := []string{
		"id", "payment_intent_id", "invoice_id", "user_id", "subscription_id", "stripe_customer_id",
		"amount", "currency", "status", "payment_type",
		"card_brand", "card_last4", "card_exp_month", "card_exp_year", "card_funding", "card_country",
		"payment_method_id", "receipt_url", "failure_reason", "refunded", "refund_amount",
		"created_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "pi_1", "in_1", int64(4), int64(9), "cus_1",
			int64(199), "usd", "succeeded", "initial_payment",
			"visa", "4242", int64(12), int64(2030), "credit", "US",
			"pm_1", nil, nil, false, int64(0),
			now, now).
		AddRow(int64(2), "synthetic_in_2", nil, int64(4), nil, "cus_1",
			int64(999), "usd", "processing", nil,
			nil, nil, nil, nil, nil, nil,
			nil, nil, nil, false, int64(0),
			now, now)
	mock.ExpectQuery(`FROM payments\s+WHERE user_id = \$1`).WithArgs(int64(4), defaultPageSize).WillReturnRows(rows)

	payments, err := s.ListPaymentsByUser(context.Background(), 4, 10_000)
	if err != nil {
		t.Fatalf("ListPaymentsByUser returned error: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
	if payments[0].Card == nil || payments[0].Card.Last4 != "4242" {
		t.Fatalf("expected card details on first payment, got %+v", payments[0].Card)
	}
	if payments[1].Card != nil || !payments[1].HasSyntheticID() {
		t.Fatalf("unexpected second payment: %+v", payments[1])
	}

	expectationsMet(t, mock)
}

func TestGetActivePlanNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	plans, _ := NewPlanStore(db)

	mock.ExpectQuery(`FROM subscription_plans\s+WHERE plan_type = \$1 AND is_active = TRUE`).
		WithArgs(models.PlanRecurring).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := plans.GetActivePlan(context.Background(), models.PlanRecurring); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestJobStoreMarkCompletedMissingJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	jobs, _ := NewJobStore(db)

	mock.ExpectExec(`UPDATE jobs`).WithArgs(int64(42)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := jobs.MarkCompleted(context.Background(), 42); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestJobStoreClaimNextJobEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	jobs, _ := NewJobStore(db)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := jobs.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}

	expectationsMet(t, mock)
}

func TestJobStoreEnqueueRejectsInvalidJob(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	jobs, _ := NewJobStore(db)

	if err := jobs.Enqueue(context.Background(), &models.Job{JobType: "", MaxAttempts: 1}); err == nil {
		t.Fatal("expected validation error for empty job type")
	}
}

func TestUnpairedPaymentLookups(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(`invoice_id IS NULL\s+AND payment_intent_id NOT LIKE 'synthetic\\_%'`).
		WithArgs("cus_1", int64(199), since).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`AND payment_intent_id LIKE 'synthetic\\_%'`).
		WithArgs("cus_1", int64(199), since).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetUninvoicedPaymentByCustomer(context.Background(), "cus_1", 199, since); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := s.GetSyntheticPaymentByCustomer(context.Background(), "cus_1", 199, since); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

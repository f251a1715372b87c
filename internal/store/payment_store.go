package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

const paymentColumns = `id, payment_intent_id, invoice_id, user_id, subscription_id, stripe_customer_id,
	amount, currency, status, payment_type,
	card_brand, card_last4, card_exp_month, card_exp_year, card_funding, card_country,
	payment_method_id, receipt_url, failure_reason, refunded, refund_amount,
	created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p           models.Payment
		paymentType sql.NullString
		brand       sql.NullString
		last4       sql.NullString
		expMonth    sql.NullInt64
		expYear     sql.NullInt64
		funding     sql.NullString
		country     sql.NullString
	)
	err := row.Scan(
		&p.ID,
		&p.PaymentIntentID,
		&p.InvoiceID,
		&p.UserID,
		&p.SubscriptionID,
		&p.StripeCustomerID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&paymentType,
		&brand,
		&last4,
		&expMonth,
		&expYear,
		&funding,
		&country,
		&p.PaymentMethodID,
		&p.ReceiptURL,
		&p.FailureReason,
		&p.Refunded,
		&p.RefundAmount,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PaymentType = models.PaymentType(paymentType.String)
	if brand.Valid || last4.Valid {
		p.Card = &models.CardDetails{
			Brand:    brand.String,
			Last4:    last4.String,
			ExpMonth: int(expMonth.Int64),
			ExpYear:  int(expYear.Int64),
			Funding:  funding.String,
			Country:  country.String,
		}
	}
	return &p, nil
}

// cardArgs flattens optional card details into nullable column values.
func cardArgs(card *models.CardDetails) []any {
	if card == nil {
		return []any{nil, nil, nil, nil, nil, nil}
	}
	return []any{
		nullIfEmpty(card.Brand),
		nullIfEmpty(card.Last4),
		nullIfZero(card.ExpMonth),
		nullIfZero(card.ExpYear),
		nullIfEmpty(card.Funding),
		nullIfEmpty(card.Country),
	}
}

// CreatePayment inserts a new payment row. A conflict on payment_intent_id is
// reported as ErrDuplicatePayment so callers can fall back to backfilling the
// row that won the race.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
INSERT INTO payments (
	payment_intent_id, invoice_id, user_id, subscription_id, stripe_customer_id,
	amount, currency, status, payment_type,
	card_brand, card_last4, card_exp_month, card_exp_year, card_funding, card_country,
	payment_method_id, receipt_url, failure_reason, refunded, refund_amount
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
RETURNING id, created_at, updated_at
	`

	args := []any{
		p.PaymentIntentID,
		p.InvoiceID,
		p.UserID,
		p.SubscriptionID,
		p.StripeCustomerID,
		p.Amount,
		p.Currency,
		p.Status,
		nullIfEmpty(string(p.PaymentType)),
	}
	args = append(args, cardArgs(p.Card)...)
	args = append(args, p.PaymentMethodID, p.ReceiptURL, p.FailureReason, p.Refunded, p.RefundAmount)

	err := s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("store: create payment: %w", err)
	}
	return nil
}

// GetPaymentByIntentID returns the payment keyed by the provider payment intent id.
func (s *Store) GetPaymentByIntentID(ctx context.Context, paymentIntentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE payment_intent_id = $1
	`

	return s.getPayment(ctx, "get payment by intent", query, paymentIntentID)
}

// GetPaymentByInvoiceID returns the newest payment recorded for an invoice.
func (s *Store) GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE invoice_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
	`

	return s.getPayment(ctx, "get payment by invoice", query, invoiceID)
}

// GetLatestProcessingPaymentByCustomer returns the customer's newest payment
// still in the processing state.
func (s *Store) GetLatestProcessingPaymentByCustomer(ctx context.Context, customerID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE stripe_customer_id = $1 AND status = 'processing'
ORDER BY created_at DESC, id DESC
LIMIT 1
	`

	return s.getPayment(ctx, "get processing payment", query, customerID)
}

// GetUninvoicedPaymentByCustomer returns the customer's newest payment of the
// given amount that carries a real payment intent id but no invoice, created
// at or after since.
func (s *Store) GetUninvoicedPaymentByCustomer(ctx context.Context, customerID string, amount int64, since time.Time) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE stripe_customer_id = $1
  AND amount = $2
  AND created_at >= $3
  AND invoice_id IS NULL
  AND payment_intent_id NOT LIKE 'synthetic\_%'
ORDER BY created_at DESC, id DESC
LIMIT 1
	`

	return s.getPayment(ctx, "get uninvoiced payment", query, customerID, amount, since)
}

// GetSyntheticPaymentByCustomer returns the customer's newest payment of the
// given amount still recorded under a synthetic invoice id, created at or
// after since.
func (s *Store) GetSyntheticPaymentByCustomer(ctx context.Context, customerID string, amount int64, since time.Time) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE stripe_customer_id = $1
  AND amount = $2
  AND created_at >= $3
  AND payment_intent_id LIKE 'synthetic\_%'
ORDER BY created_at DESC, id DESC
LIMIT 1
	`

	return s.getPayment(ctx, "get synthetic payment", query, customerID, amount, since)
}

func (s *Store) getPayment(ctx context.Context, op, query string, args ...any) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return p, nil
}

// UpdatePayment backfills an existing payment row. Populated columns are never
// overwritten with new values or nulls, a succeeded status is never replaced
// and a synthetic payment intent id is swapped for the real one once known.
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	query := `
UPDATE payments
SET payment_intent_id = CASE WHEN payment_intent_id LIKE 'synthetic\_%' THEN $2 ELSE payment_intent_id END,
	invoice_id = COALESCE(invoice_id, $3),
	user_id = COALESCE(user_id, $4),
	subscription_id = COALESCE(subscription_id, $5),
	stripe_customer_id = CASE WHEN stripe_customer_id = '' THEN $6 ELSE stripe_customer_id END,
	amount = CASE WHEN amount = 0 THEN $7 ELSE amount END,
	currency = CASE WHEN currency = '' THEN $8 ELSE currency END,
	status = CASE WHEN status = 'succeeded' OR $9::text = '' THEN status ELSE $9::text END,
	payment_type = COALESCE(payment_type, $10),
	card_brand = COALESCE(card_brand, $11),
	card_last4 = COALESCE(card_last4, $12),
	card_exp_month = COALESCE(card_exp_month, $13),
	card_exp_year = COALESCE(card_exp_year, $14),
	card_funding = COALESCE(card_funding, $15),
	card_country = COALESCE(card_country, $16),
	payment_method_id = COALESCE(payment_method_id, $17),
	receipt_url = COALESCE(receipt_url, $18),
	failure_reason = CASE WHEN status = 'succeeded' THEN failure_reason ELSE COALESCE(failure_reason, $19) END,
	updated_at = now()
WHERE id = $1
RETURNING ` + paymentColumns

	args := []any{
		p.ID,
		p.PaymentIntentID,
		p.InvoiceID,
		p.UserID,
		p.SubscriptionID,
		p.StripeCustomerID,
		p.Amount,
		p.Currency,
		p.Status,
		nullIfEmpty(string(p.PaymentType)),
	}
	args = append(args, cardArgs(p.Card)...)
	args = append(args, p.PaymentMethodID, p.ReceiptURL, p.FailureReason)

	updated, err := scanPayment(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPaymentNotFound
	}
	if isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("store: update payment: %w", err)
	}
	*p = *updated
	return nil
}

// MarkPaymentRefunded records a (partial or full) refund against a payment.
func (s *Store) MarkPaymentRefunded(ctx context.Context, paymentIntentID string, refundAmount int64) error {
	query := `
UPDATE payments
SET refunded = TRUE,
	refund_amount = GREATEST(refund_amount, $2),
	updated_at = now()
WHERE payment_intent_id = $1
	`

	res, err := s.db.ExecContext(ctx, query, paymentIntentID, refundAmount)
	if err != nil {
		return fmt.Errorf("store: mark payment refunded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark payment refunded rows: %w", err)
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ListPaymentsByUser returns up to `limit` payments for a user, newest first.
func (s *Store) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payments: %w", err)
	}
	return payments, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIfZero(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

const (
	defaultPageSize = 200

	// uniqueViolation is the SQLSTATE postgres reports for a unique index conflict.
	uniqueViolation = "23505"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrSubscriptionNotFound is returned when no subscription matches the lookup.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrPaymentNotFound is returned when no payment matches the lookup.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicatePayment is returned when a payment with the same payment intent id already exists.
	ErrDuplicatePayment = errors.New("payment already recorded")
)

// Store provides database-backed accessors for users, subscriptions and payments.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// GetUserByID retrieves a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	query := `
SELECT id, email, name, has_ever_subscribed, created_at, updated_at
FROM users
WHERE id = $1
	`

	return s.scanUser(s.db.QueryRowContext(ctx, query, id), "get user by id")
}

// GetUserByEmail retrieves a user by their email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
SELECT id, email, name, has_ever_subscribed, created_at, updated_at
FROM users
WHERE lower(email) = lower($1)
LIMIT 1
	`

	return s.scanUser(s.db.QueryRowContext(ctx, query, email), "get user by email")
}

func (s *Store) scanUser(row *sql.Row, op string) (*models.User, error) {
	var (
		user models.User
		name sql.NullString
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&name,
		&user.HasEverSubscribed,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	user.Name = nullStringPtr(name)
	return &user, nil
}

// MarkEverSubscribed sets the user's durable has_ever_subscribed flag. The
// update only ever moves the flag from false to true; it reports whether this
// call was the one that flipped it.
func (s *Store) MarkEverSubscribed(ctx context.Context, userID int64) (bool, error) {
	query := `
UPDATE users
SET has_ever_subscribed = TRUE,
	updated_at = now()
WHERE id = $1 AND has_ever_subscribed = FALSE
	`

	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("store: mark ever subscribed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark ever subscribed rows: %w", err)
	}
	return affected > 0, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

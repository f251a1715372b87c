package billing

import (
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned when a webhook payload cannot be verified
// against the shared signing secret. It is the only error HandleProviderEvent
// reports to its caller.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// ErrorCode is a stable, user-facing reason code for synchronous failures.
type ErrorCode string

const (
	CodeActiveSubscriptionExists ErrorCode = "active_subscription_exists"
	CodePlanUnavailable          ErrorCode = "plan_unavailable"
	CodeProviderError            ErrorCode = "provider_error"
	CodeUserNotFound             ErrorCode = "user_not_found"
)

// Error carries a reason code alongside the underlying cause.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("billing: %s", e.Code)
	}
	return fmt.Sprintf("billing: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the reason code from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Code, true
	}
	return "", false
}

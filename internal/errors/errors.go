// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// Machine codes carried by ComplianceError.
const (
	CodeOutsideWindowNoBypass = "OUTSIDE_WINDOW_NO_BYPASS"
	CodeTicketAlreadyUsed     = "TICKET_ALREADY_USED"
	CodeTicketExpired         = "TICKET_EXPIRED"
	CodeTicketNotOptedIn      = "TICKET_NOT_OPTED_IN"
	CodeSubscriptionInactive  = "SUBSCRIPTION_INACTIVE"
	CodeSubscriptionTooSoon   = "SUBSCRIPTION_TOO_SOON"
	CodeTagNotAllowed         = "TAG_COMPLIANCE_FAILED"
)

// ValidationError means the campaign or request configuration is malformed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies a missing entity by resource name and id.
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

func NewNotFound(resource string, id any) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ComplianceError means platform policy forbids the send. Always fails
// closed.
type ComplianceError struct {
	Code   string
	Reason string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("send not allowed (%s): %s", e.Code, e.Reason)
}

func NewCompliance(code, format string, args ...any) error {
	return &ComplianceError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// RateLimitError means a quota tier is exhausted. Carries enough to tell the
// caller which tier, the limit, and when it resets.
type RateLimitError struct {
	Tier    string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit of %d reached, resets at %s",
		e.Tier, e.Limit, e.ResetAt.Format(time.RFC3339))
}

func NewRateLimit(tier string, limit int, resetAt time.Time) error {
	return &RateLimitError{Tier: tier, Limit: limit, ResetAt: resetAt}
}

// ProviderError wraps a failure from the external channel client.
type ProviderError struct {
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider send failed (%s): %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProvider(code string, err error) error {
	return &ProviderError{Code: code, Err: err}
}

// StateError means an illegal lifecycle transition was attempted.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

func NewState(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsCompliance(err error) bool {
	var e *ComplianceError
	return errors.As(err, &e)
}

func IsRateLimit(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

func IsProvider(err error) bool {
	var e *ProviderError
	return errors.As(err, &e)
}

func IsState(err error) bool {
	var e *StateError
	return errors.As(err, &e)
}

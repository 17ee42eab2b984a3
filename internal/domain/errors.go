package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain Const errors
var (
	ErrNotFound               = errors.New("resource not found")
	ErrAlreadyExists          = errors.New("resource already exists")
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrMissingVariables       = errors.New("missing template variables")
)

// ErrorKind discriminates the failure taxonomy.
type ErrorKind string

const (
	KindUnknown             ErrorKind = ""
	KindValidation          ErrorKind = "validation"
	KindRateLimited         ErrorKind = "rate_limited"
	KindTemplateMissing     ErrorKind = "template_missing"
	KindProviderHTTP        ErrorKind = "provider_http"
	KindProviderUnreachable ErrorKind = "provider_unreachable"
	KindProviderTimeout     ErrorKind = "provider_timeout"
	KindCircuitOpen         ErrorKind = "circuit_open"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
	KindUnsupportedChannel  ErrorKind = "unsupported_channel"
)

// KindedError is implemented by every error of the taxonomy.
type KindedError interface {
	error
	Kind() ErrorKind
}

// KindOf returns the kind of the first taxonomy error in err's chain.
func KindOf(err error) ErrorKind {
	var k KindedError
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Retryable reports whether err may consume a retry attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderHTTP, KindProviderUnreachable, KindProviderTimeout:
		return true
	}
	return false
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (ValidationError) Kind() ErrorKind { return KindValidation }

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", e.Errors[0].Error())
}

func (ValidationErrors) Kind() ErrorKind { return KindValidation }

func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// RateLimitedError is a deferred-admission signal, not a delivery failure.
type RateLimitedError struct {
	Limit   int
	Window  time.Duration
	ResetAt time.Time
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit of %d per %s exceeded, resets at %s", e.Limit, e.Window, e.ResetAt.UTC().Format(time.RFC3339))
}

func (RateLimitedError) Kind() ErrorKind { return KindRateLimited }

// RetryAfter is the wait until the window admits again, rounded up to whole seconds.
func (e RateLimitedError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second) + time.Second
}

type TemplateMissingError struct {
	TemplateID int64
}

func (e TemplateMissingError) Error() string {
	return fmt.Sprintf("template %d not found", e.TemplateID)
}

func (TemplateMissingError) Kind() ErrorKind { return KindTemplateMissing }

type ProviderHTTPError struct {
	StatusCode int
	Message    string
}

func (e ProviderHTTPError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

func (ProviderHTTPError) Kind() ErrorKind { return KindProviderHTTP }

type ProviderUnreachableError struct {
	Endpoint string
	Err      error
}

func (e ProviderUnreachableError) Error() string {
	return fmt.Sprintf("provider unreachable at %s: %v", e.Endpoint, e.Err)
}

func (e ProviderUnreachableError) Unwrap() error { return e.Err }

func (ProviderUnreachableError) Kind() ErrorKind { return KindProviderUnreachable }

type ProviderTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider timeout after %s at %s", e.Timeout, e.Endpoint)
}

func (ProviderTimeoutError) Kind() ErrorKind { return KindProviderTimeout }

// CircuitOpenError is returned when a breaker rejects a call before invoking it.
type CircuitOpenError struct {
	Breaker string
	State   string
	Reason  string
}

func (e CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is %s: %s", e.Breaker, e.State, e.Reason)
}

func (CircuitOpenError) Kind() ErrorKind { return KindCircuitOpen }

// StoreUnavailableError wraps an infrastructure failure of a shared store.
type StoreUnavailableError struct {
	Store string
	Op    string
	Err   error
}

func (e StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable during %s: %v", e.Store, e.Op, e.Err)
}

func (e StoreUnavailableError) Unwrap() error { return e.Err }

func (StoreUnavailableError) Kind() ErrorKind { return KindStoreUnavailable }

type UnsupportedChannelError struct {
	Channel Channel
}

func (e UnsupportedChannelError) Error() string {
	return fmt.Sprintf("unsupported channel %q", e.Channel)
}

func (UnsupportedChannelError) Kind() ErrorKind { return KindUnsupportedChannel }

package llmqueue

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the normalized classification of a provider failure.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindTimeout        ErrorKind = "timeout"
	KindRateLimit      ErrorKind = "rate_limit"
	KindOverloaded     ErrorKind = "overloaded"
	KindServerError    ErrorKind = "server_error"
	KindUnclassified   ErrorKind = "unclassified"

	// Kinds raised by the engine itself rather than a provider.
	KindBudgetExceeded    ErrorKind = "budget_exceeded"
	KindNoProvider        ErrorKind = "no_provider_available"
	KindAttemptsExhausted ErrorKind = "attempts_exhausted"
	KindInterrupted       ErrorKind = "interrupted"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotRetryable      = errors.New("request is not in failed state")
	ErrAlreadyRetried    = errors.New("request was already retried")
	ErrAttemptsExhausted = errors.New("request has no attempts left")
	ErrQueueFaulted      = errors.New("queue store is unavailable")
	ErrBudgetExceeded    = errors.New("token budget exceeded")
	ErrAlreadyRunning    = errors.New("queue is already running")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// ProviderError is the only error type adapters may return. The router
// never inspects the message; Kind decides retry behavior.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError with a formatted message.
func NewProviderError(kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify returns the kind carried by err. The second return is false when
// err carries no kind and the result is KindUnclassified.
func Classify(err error) (ErrorKind, bool) {
	if err == nil {
		return "", true
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind, pe.Kind != KindUnclassified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return KindUnclassified, false
}

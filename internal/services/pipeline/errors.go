package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies a pipeline failure for callers.
type ErrorKind string

const (
	KindInvalidConfig       ErrorKind = "invalid_config"
	KindBudgetNotFound      ErrorKind = "budget_not_found"
	KindBudgetExceeded      ErrorKind = "budget_exceeded"
	KindQueueFull           ErrorKind = "queue_full"
	KindProviderTimeout     ErrorKind = "provider_timeout"
	KindProviderFailure     ErrorKind = "provider_failure"
	KindCircuitOpen         ErrorKind = "circuit_open"
	KindAllProvidersFailed  ErrorKind = "all_providers_failed"
	KindTransientStoreError ErrorKind = "transient_store_error"
	KindCancelled           ErrorKind = "cancelled"
)

// ErrorDetails carries the structured context surfaced with a failure.
type ErrorDetails struct {
	BudgetID           *uuid.UUID `json:"budget_id,omitempty"`
	AttemptedProviders []string   `json:"attempted_providers,omitempty"`
	SuggestedActions   []string   `json:"suggested_actions,omitempty"`
}

// RequestError is the user-visible failure shape.
type RequestError struct {
	Kind    ErrorKind     `json:"kind"`
	Message string        `json:"message"`
	Details *ErrorDetails `json:"details,omitempty"`
	cause   error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error { return e.cause }

func newRequestError(kind ErrorKind, message string, cause error) *RequestError {
	return &RequestError{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the error kind, defaulting to provider_failure for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindProviderFailure
}

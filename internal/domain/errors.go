package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrMalformedEvent marks a webhook payload that cannot be parsed or lacks required fields.
var ErrMalformedEvent = errors.New("malformed webhook event")

// ValidationError is a bad or missing request field, rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError is an unknown session, course or agent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ProviderError is a failed call to the room/SIP/recording provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the provider call ran out of time.
func (e *ProviderError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// NewProviderError classifies status codes: 408, 429 and 5xx are transient, other
// statuses terminal. A zero status (transport failure) is transient.
func NewProviderError(op string, statusCode int, err error) *ProviderError {
	transient := statusCode == 0 || statusCode == 408 || statusCode == 429 || statusCode >= 500
	return &ProviderError{Op: op, StatusCode: statusCode, Transient: transient, Err: err}
}

// DuplicateEventError is a redelivered webhook inside the dedupe window.
type DuplicateEventError struct {
	DedupeKey string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event %s", e.DedupeKey)
}

// PipelineExhaustedError is a post-call job frozen after its attempt ceiling.
type PipelineExhaustedError struct {
	SessionID string
	Attempts  int
	LastError string
}

func (e *PipelineExhaustedError) Error() string {
	return fmt.Sprintf("post-call job for session %s exhausted after %d attempts: %s", e.SessionID, e.Attempts, e.LastError)
}

// OrchestrationError reports a start_call failure after the session was registered.
// The session stays visible as FAILED.
type OrchestrationError struct {
	SessionID string
	Stage     string
	Err       error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("call %s failed during %s: %v", e.SessionID, e.Stage, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

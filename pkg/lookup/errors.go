package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrMissingCredentials is returned when the client is constructed without
	// an API key or account name.
	ErrMissingCredentials = errors.New("api key and account name are required")

	// ErrMissingBaseURL is returned when the client is constructed without a
	// service base URL.
	ErrMissingBaseURL = errors.New("service base URL is required")

	// ErrEmptySubmission is returned when Submit is called with no identifiers.
	ErrEmptySubmission = errors.New("no identifiers to submit")
)

// ErrorClass represents a classification of lookup service errors.
type ErrorClass string

const (
	// ErrorClassNetwork represents transport failures and timeouts. Retryable.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassServer represents 5xx responses from the service. Retryable.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRejection represents an explicit service-side rejection
	// (malformed identifier, unknown service id). Never retried.
	ErrorClassRejection ErrorClass = "rejection"
)

// ServiceError represents a lookup-service error with additional context.
type ServiceError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lookup %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("lookup %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Classify categorizes an error for retry decisions and observability.
// Unknown errors are treated as network failures so transient conditions
// (connection resets surfaced as plain errors) stay retryable.
func Classify(err error) ErrorClass {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Class
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}

	return ErrorClassNetwork
}

// ShouldRetry reports whether an error of the given class is worth retrying.
func ShouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassNetwork, ErrorClassServer:
		return true
	case ErrorClassRejection:
		return false
	default:
		return false
	}
}

// MessageOutcome is the interpretation of a free-text service message.
type MessageOutcome int

const (
	// OutcomeRejection means the message is a real service-side error.
	OutcomeRejection MessageOutcome = iota

	// OutcomeDuplicate means the service recognized the identifier as already
	// submitted. Not an error and not charged again.
	OutcomeDuplicate
)

// duplicatePhrases is the exhaustive list of message fragments the service
// uses to signal an already-known identifier. All duplicate inference goes
// through classifyMessage; call sites never sniff strings themselves.
var duplicatePhrases = []string{
	"already exists",
	"already submitted",
	"already in process",
	"duplicate imei",
	"order already placed",
}

// classifyMessage maps a raw service message to an explicit outcome.
func classifyMessage(msg string) MessageOutcome {
	lower := strings.ToLower(msg)
	for _, phrase := range duplicatePhrases {
		if strings.Contains(lower, phrase) {
			return OutcomeDuplicate
		}
	}
	return OutcomeRejection
}

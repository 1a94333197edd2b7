package parley

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrorKind classifies a provider fault. Adapters set it from status metadata;
// the engine branches on it instead of parsing error strings.
type ErrorKind string

const (
	KindRateLimited     ErrorKind = "rate_limited"
	KindTransient       ErrorKind = "transient"
	KindTimeout         ErrorKind = "timeout"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindAuth            ErrorKind = "auth"
	KindContextTooLarge ErrorKind = "context_too_large"
	KindUnknown         ErrorKind = "unknown"
)

// ProviderError is returned by provider adapters.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int    // HTTP status, 0 when not applicable
	Detail   string // response body or local failure description
	// Retriable overrides the kind-based default when set.
	Retriable *bool
	// RetryAfter is the server-requested minimum wait, parsed from the
	// Retry-After header (0 = none).
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Provider, e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Detail)
}

// IsRetriable reports whether the call may be retried. The explicit flag wins;
// otherwise rate_limited, transient, and timeout are retriable.
func (e *ProviderError) IsRetriable() bool {
	if e.Retriable != nil {
		return *e.Retriable
	}
	switch e.Kind {
	case KindRateLimited, KindTransient, KindTimeout:
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status to an ErrorKind. Used by adapters that
// have no richer signal than the status code.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuth
	case status == 408 || status == 504:
		return KindTimeout
	case status == 413:
		return KindContextTooLarge
	case status == 400 || status == 404 || status == 422:
		return KindInvalidRequest
	case status >= 500:
		return KindTransient
	}
	return KindUnknown
}

// ParseRetryAfter parses a Retry-After header value given in seconds.
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// InputError reports a caller precondition violation on a transcript
// operation (empty content, oversize content, empty sender). Never retried.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// TurnViolationError is returned by a guarded append when the transcript's
// last sender did not match the caller's expectation. The caller yields and
// re-reads the transcript.
type TurnViolationError struct {
	Sender     string // the caller
	LastSender string // what the store actually held
}

func (e *TurnViolationError) Error() string {
	return fmt.Sprintf("turn violation: %s attempted append but last sender is %s", e.Sender, e.LastSender)
}

// StoreError wraps a transient backend fault. Callers retry per their backoff
// policy and give up after bounded attempts.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// --- classification helpers ---

// IsRetriable reports whether err is a provider or store fault worth retrying.
func IsRetriable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetriable()
	}
	var se *StoreError
	return errors.As(err, &se)
}

// KindOf extracts the provider error kind, or KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsInvalidInput reports whether err is an *InputError.
func IsInvalidInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// IsTurnViolation reports whether err is a *TurnViolationError.
func IsTurnViolation(err error) bool {
	var te *TurnViolationError
	return errors.As(err, &te)
}

// IsStoreFault reports whether err is a transient *StoreError.
func IsStoreFault(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

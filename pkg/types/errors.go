package types

import (
	"errors"
	"fmt"
)

// Error kinds shared by the pipeline
var (
	// Backend errors
	ErrTransient          = errors.New("transient backend error")
	ErrAuth               = errors.New("authentication failed")
	ErrCredentialsExpired = errors.New("credentials expired or revoked")
	ErrNoCredentials      = errors.New("no credentials configured")

	// Document errors
	ErrParse      = errors.New("document parse failed")
	ErrNoDocument = errors.New("message has no document attachment")

	// Query errors
	ErrInvalidBackend = errors.New("invalid backend")
	ErrInvalidCount   = errors.New("count must be >= 1")
	ErrEmptyPayer     = errors.New("payer name cannot be empty")
)

// ErrorKind is the retry-relevant category of an error
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindAuth
	KindExpired
	KindNoCredentials
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindExpired:
		return "expired"
	case KindNoCredentials:
		return "no_credentials"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Classify returns the kind of err. Expiry is checked before auth because an
// expired credential is always also an auth failure.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrCredentialsExpired):
		return KindExpired
	case errors.Is(err, ErrNoCredentials):
		return KindNoCredentials
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrParse), errors.Is(err, ErrNoDocument):
		return KindParse
	default:
		return KindUnknown
	}
}

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Auth marks err as an authentication failure
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAuth, err)
}

// BackendError records which backend operation failed
type BackendError struct {
	Backend Backend
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Kind returns the classified kind of the underlying error
func (e *BackendError) Kind() ErrorKind {
	return Classify(e.Err)
}

package transcriber

import (
	"errors"
	"fmt"
)

// Kind is the closed set of transcription failure classes. The pipeline
// branches on Kind, never on error strings.
type Kind int

const (
	// KindNetwork covers transient transport failures and 5xx/429 responses.
	// Retryable.
	KindNetwork Kind = iota
	// KindClient covers non-retryable request failures (malformed request,
	// auth rejection, other non-429 4xx).
	KindClient
	// KindNotAuthorized means the local recognizer is present but may not be
	// used (missing binary permissions, denied speech authorization).
	KindNotAuthorized
	// KindUnavailable means the local recognizer cannot run at all.
	KindUnavailable
	// KindEmptyResult means recognition ran but produced no speech.
	KindEmptyResult
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindClient:
		return "client"
	case KindNotAuthorized:
		return "not_authorized"
	case KindUnavailable:
		return "unavailable"
	case KindEmptyResult:
		return "empty_result"
	default:
		return "unknown"
	}
}

// Error is a classified transcription failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a classified error.
func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the failure class from err, defaulting to KindNetwork so
// unclassified transport errors stay retryable.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNetwork
}

// IsRetryable reports whether the remote client should retry after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

package capture

import "fmt"

// Kind is the closed set of capture failure classes. These surface to the
// lifecycle controller and stop the session; none of them is retried, because
// each indicates an unrecoverable local condition.
type Kind int

const (
	// KindPermissionDenied means microphone access was refused.
	KindPermissionDenied Kind = iota
	// KindInsufficientStorage means free space fell below the configured
	// floor, before start or mid-capture.
	KindInsufficientStorage
	// KindEngineFailure covers hardware/stream setup failures.
	KindEngineFailure
	// KindFileWriteError means a buffer could not be written to disk.
	KindFileWriteError
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindInsufficientStorage:
		return "insufficient_storage"
	case KindEngineFailure:
		return "engine_failure"
	case KindFileWriteError:
		return "file_write_error"
	default:
		return "unknown"
	}
}

// Error is a classified capture failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("capture %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

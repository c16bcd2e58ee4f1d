// Package errs defines the domain error taxonomy shared across the engine.
//
// Errors carry a Kind so transport layers can map them to client-facing
// responses without string matching. Wrap lower-level failures with the
// appropriate kind at the boundary where they become domain-meaningful.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error.
type Kind int

const (
	// KindInternal is the catch-all; always logged.
	KindInternal Kind = iota
	// KindValidation means a schema or value was out of range.
	KindValidation
	// KindNotFound means a conversation, message, branch or participant is missing.
	KindNotFound
	// KindPermissionDenied means an owner/collaborator access check failed.
	KindPermissionDenied
	// KindConflict means an invariant violation the caller can retry differently.
	KindConflict
	// KindBusy means the room already has an active generation.
	KindBusy
	// KindNotEligible means no provider profile matches the request.
	KindNotEligible
	// KindUpstream means the provider returned an error.
	KindUpstream
	// KindIO means a disk or log write failure.
	KindIO
	// KindNotInitialized means a log or store was used before Open.
	KindNotInitialized
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	case KindNotEligible:
		return "not_eligible"
	case KindUpstream:
		return "upstream"
	case KindIO:
		return "io_error"
	case KindNotInitialized:
		return "not_initialized"
	default:
		return "internal"
	}
}

// Error is a classified domain error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil, as an
// untyped nil: callers may store the result straight into an error return.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsBusy reports whether err is a Busy error.
func IsBusy(err error) bool { return Is(err, KindBusy) }

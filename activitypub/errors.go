package activitypub

import (
	"errors"
	"fmt"
)

// Kind classifies federation failures by how the queue should react to them.
type Kind int

const (
	// KindTransient covers timeouts, 5xx answers and connection failures.
	// These are retried by the queue.
	KindTransient Kind = iota + 1
	// KindValidation means the remote data is structurally wrong.
	KindValidation
	// KindNotFound means the referenced object is legitimately absent.
	KindNotFound
	// KindBlocked means host policy forbids talking to the origin.
	KindBlocked
	// KindAuthentication covers bad, missing or mismatched signatures.
	KindAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindBlocked:
		return "blocked"
	case KindAuthentication:
		return "authentication"
	}
	return "unknown"
}

// Error is a classified federation error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: [%s] %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func validationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

func authError(op, format string, args ...any) *Error {
	return newError(KindAuthentication, op, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	var fedErr *Error
	if errors.As(err, &fedErr) {
		return fedErr.Kind
	}
	return KindTransient
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a job failing with err should be attempted again.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

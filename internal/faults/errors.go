package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes errors for handling strategy
type Kind int

const (
	KindUnknown       Kind = iota
	KindTransient          // retry on the next poll
	KindStructural         // fatal to the current process
	KindResourceAbuse      // forces termination of the offender
	KindPolicyTrip         // recovery halted, operator must intervene
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStructural:
		return "structural"
	case KindResourceAbuse:
		return "resource_abuse"
	case KindPolicyTrip:
		return "policy_trip"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the operation that failed and how
// callers are expected to react to it.
type Error struct {
	Kind Kind
	Op   string // "enumerate", "append", "ensure_branch", "exec", ...
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Structural wraps err as a StructuralError.
func Structural(op string, err error) error {
	return &Error{Kind: KindStructural, Op: op, Err: err}
}

// Structuralf builds a StructuralError from a format string.
func Structuralf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindStructural, Op: op, Err: fmt.Errorf(format, args...)}
}

// Abuse reports a resource-abuse condition.
func Abuse(op string, err error) error {
	return &Error{Kind: KindResourceAbuse, Op: op, Err: err}
}

// Trip reports that a recovery policy has been exhausted.
func Trip(op string, err error) error {
	return &Error{Kind: KindPolicyTrip, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should simply be retried later.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsStructural reports whether err is fatal to the current process.
func IsStructural(err error) bool { return KindOf(err) == KindStructural }

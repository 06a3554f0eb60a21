// Package fault defines the error taxonomy shared by the store, loader and
// scheduler. Every fallible operation in the runtime returns an error whose
// kind can be recovered with KindOf, so callers can branch on budget pressure
// versus corruption versus programming errors without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes surfaced by the runtime.
type Kind int

const (
	OK Kind = iota
	IOError
	Corrupt
	VersionMismatch
	NotFound
	OutOfCapacity
	BudgetExceeded
	AllPinned
	HasDependents
	Cycle
	Timeout
	Cancelled
	InvalidArg
	Internal
)

var kindNames = map[Kind]string{
	OK:              "ok",
	IOError:         "io_error",
	Corrupt:         "corrupt",
	VersionMismatch: "version_mismatch",
	NotFound:        "not_found",
	OutOfCapacity:   "out_of_capacity",
	BudgetExceeded:  "budget_exceeded",
	AllPinned:       "all_pinned",
	HasDependents:   "has_dependents",
	Cycle:           "cycle",
	Timeout:         "timeout",
	Cancelled:       "cancelled",
	InvalidArg:      "invalid_arg",
	Internal:        "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, &Error{Kind: k}) matches any
// error of kind k regardless of message.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

// New builds an error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(k Kind, err error, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. A nil error is
// OK; an error without a Kind is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

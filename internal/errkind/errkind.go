// Package errkind defines the enumerated error taxonomy shared by the
// Broker, Controller and Scheduler. It generalizes the ad hoc MsgID/ErrCode
// constants the teacher keeps per-package into one typed error that every
// component can classify and propagate consistently.
package errkind

import "fmt"

// Kind is one of the abstract error kinds a batch-orchestration operation
// can fail with.
type Kind string

const (
	Validation    Kind = "validation"
	Auth          Kind = "auth"
	Transport     Kind = "transport"
	SecretFailure Kind = "secret_failure"
	NodeLost      Kind = "node_lost"
	AgentError    Kind = "agent_error"
	Internal      Kind = "internal"
)

// Error carries a Kind plus a human message and an optional DisableRetry
// hint, matching the "each kind carries a human message and an optional
// disableRetry hint" requirement.
type Error struct {
	Kind          Kind
	Message       string
	DisableRetry  bool
	DebugInfo     []string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDebug appends debug strings and returns the same error for chaining.
func (e *Error) WithDebug(s ...string) *Error {
	e.DebugInfo = append(e.DebugInfo, s...)
	return e
}

// Retryable reports whether a failure of this kind, under the given
// disableRetry hint, should be retried per spec.md §7's propagation policy.
func (e *Error) Retryable() bool {
	if e.DisableRetry {
		return false
	}
	switch e.Kind {
	case Transport, NodeLost:
		return true
	case SecretFailure, AgentError:
		return !e.DisableRetry
	default:
		return false
	}
}

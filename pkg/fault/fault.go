// Package fault defines the error taxonomy shared by every component.
// Errors carry a coarse Kind for routing plus structured context (component,
// operation, resource, driver code) separate from the user-facing message.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse classification of an error, used for routing,
// retry decisions, and exit-code mapping. The set is closed.
type Kind string

const (
	// Input errors.
	KindInvalidParams        Kind = "INVALID_PARAMS"
	KindInvalidOperation     Kind = "INVALID_OPERATION"
	KindUnsupportedOperation Kind = "UNSUPPORTED_OPERATION"
	KindIdentifierTooLong    Kind = "IDENTIFIER_TOO_LONG"

	// Auth/access errors.
	KindAuthFailed       Kind = "AUTH_FAILED"
	KindCapabilityDenied Kind = "CAPABILITY_DENIED"
	KindRateLimited      Kind = "RATE_LIMITED"

	// Connectivity errors.
	KindConnectionFailed     Kind = "CONNECTION_FAILED"
	KindPoolExhaustedTimeout Kind = "POOL_EXHAUSTED_TIMEOUT"
	KindCancelled            Kind = "CANCELLED"
	KindTimeout              Kind = "TIMEOUT"

	// Execution errors.
	KindQueryFailed       Kind = "QUERY_FAILED"
	KindDDLFailed         Kind = "DDL_FAILED"
	KindTransactionFailed Kind = "TRANSACTION_FAILED"

	// Safety errors.
	KindSafetyDenied     Kind = "SAFETY_DENIED"
	KindApprovalRequired Kind = "APPROVAL_REQUIRED"
	KindApprovalRejected Kind = "APPROVAL_REJECTED"

	// Integrity errors.
	KindAuditChainMismatch Kind = "AUDIT_CHAIN_MISMATCH"
	KindDecryptFailure     Kind = "DECRYPT_FAILURE"

	// Resource errors.
	KindOutOfMemory      Kind = "OUT_OF_MEMORY"
	KindCacheUnavailable Kind = "CACHE_UNAVAILABLE"

	// Async primitives.
	KindQueueFull         Kind = "QUEUE_FULL"
	KindAttemptsExhausted Kind = "ATTEMPTS_EXHAUSTED"

	// Internal invariant violations (bugs). The operation aborts but the
	// process stays alive.
	KindInvariantViolated Kind = "INVARIANT_VIOLATED"

	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "UNKNOWN"
)

// Error is a classified error with structured context. The Message is the
// short user-facing text; everything else is for programmatic handling.
type Error struct {
	Kind      Kind
	Component string // originating component, e.g. "mcp.pool"
	Op        string // operation, e.g. "acquire"
	Resource  string // resource name, e.g. connection or tool name
	Code      string // underlying driver/protocol code, if any
	Message   string
	Err       error // wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Component != "" && e.Op != "":
		return fmt.Sprintf("%s: %s.%s: %s", e.Kind, e.Component, e.Op, msg)
	case e.Component != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// match with errors.Is(err, &fault.Error{Kind: fault.KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a classified error.
func New(kind Kind, component, op, message string) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Message: message}
}

// Wrap classifies an existing error, preserving it as the cause.
// Returns nil when err is nil.
func Wrap(kind Kind, component, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// WithResource returns a copy of the error annotated with a resource name.
func (e *Error) WithResource(resource string) *Error {
	dup := *e
	dup.Resource = resource
	return &dup
}

// WithCode returns a copy of the error annotated with a driver code.
func (e *Error) WithCode(code string) *Error {
	dup := *e
	dup.Code = code
	return &dup
}

// KindOf extracts the Kind from an error chain. Context cancellation and
// deadline errors map to their taxonomy kinds even when not wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
		if err == nil {
			break
		}
	}
	return false
}

// Package apperr defines the error taxonomy shared across the narrative
// engine. Every fallible operation in the core returns (or wraps) an *Error
// carrying one of the Kind values below, so callers branch on failure mode
// with errors.As instead of string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error for callers that need to branch on failure mode
// without string-matching messages.
type Kind string

const (
	KindConfig              Kind = "config"
	KindValidation          Kind = "validation"
	KindPermissionDenied    Kind = "permission_denied"
	KindContentViolation    Kind = "content_violation"
	KindRateLimited         Kind = "rate_limited"
	KindApprovalRequired    Kind = "approval_required"
	KindApprovalDenied      Kind = "approval_denied"
	KindProviderHTTP        Kind = "provider_http"
	KindProviderParse       Kind = "provider_parse"
	KindProviderUnsupported Kind = "provider_unsupported"
	KindMissingCredential   Kind = "missing_credential"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindQuery               Kind = "query"
	KindStorage             Kind = "storage"
	KindBuilder             Kind = "builder"
	KindCycleDetected       Kind = "cycle_detected"
	KindBackend             Kind = "backend"
)

// Error is the concrete error type carried through the core. Op names the
// operation that failed (e.g. "narrative.execute"); Fields carries
// kind-specific contextual payload for programmatic inspection.
type Error struct {
	Kind   Kind
	Op     string
	Err    error
	Fields map[string]any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if hint := remediation(e); hint != "" {
		msg = msg + " (" + hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Field returns a contextual field, or nil if absent.
func (e *Error) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// New builds an Error of the given kind.
func New(kind Kind, op string, err error, fields map[string]any) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Fields: fields}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func remediation(e *Error) string {
	switch e.Kind {
	case KindRateLimited:
		if ra, ok := e.Fields["retry_after_seconds"]; ok {
			return fmt.Sprintf("retry after %v seconds", ra)
		}
		return "retry after a short delay"
	case KindMissingCredential:
		if v, ok := e.Fields["env_var"]; ok {
			return fmt.Sprintf("set %v", v)
		}
	case KindProviderParse:
		return "ensure the model produced JSON-only output"
	}
	return ""
}

// Validation is a convenience constructor for the common Validation{Field,
// Reason} shape.
func Validation(op, field, reason string) *Error {
	return New(KindValidation, op, errors.New(reason), map[string]any{"field": field, "reason": reason})
}

// NotFound is a convenience constructor for NotFound{Entity, ID}.
func NotFound(op, entity, id string) *Error {
	return New(KindNotFound, op, fmt.Errorf("%s %q not found", entity, id), map[string]any{"entity": entity, "id": id})
}

// Conflict is a convenience constructor for Conflict{Entity}.
func Conflict(op, entity string) *Error {
	return New(KindConflict, op, fmt.Errorf("%s already exists", entity), map[string]any{"entity": entity})
}

// CycleDetected is a convenience constructor for CycleDetected{Name}.
func CycleDetected(op, name string) *Error {
	return New(KindCycleDetected, op, fmt.Errorf("narrative %q is already on the composition stack", name), map[string]any{"name": name})
}

// Package errors implements the error taxonomy described in spec §7: a
// closed set of error kinds with a retry policy and a user-facing message
// key, so the orchestrator never needs to pattern-match on error strings.
//
// Modeled on the teacher's internal/agent/providers.ProviderError and
// internal/agent.ToolError, which both classify errors into a FailoverReason
// / ToolErrorType with an IsRetryable method rather than relying on
// errors.Is chains against package-level sentinels.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one row of the error taxonomy in spec §7.
type Kind string

const (
	KindRateLimit     Kind = "rate_limit"
	KindAuth          Kind = "auth_error"
	KindServerError   Kind = "server_error"
	KindContentFilter Kind = "content_filter"
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "timeout" // network errors are treated as timeout per spec §7
	KindToolBlocked   Kind = "tool_blocked"
	KindToolTimeout   Kind = "tool_timeout"
	KindToolException Kind = "tool_exception"
	KindSchemaMismatch Kind = "schema_mismatch"
	KindEmptyReply    Kind = "empty_reply"
	KindAPIError      Kind = "api_error"
	KindUnknown       Kind = "unknown"
)

// retryable reports the default retry policy for a Kind. Callers may still
// override this with their own budget accounting (e.g. ServerError is only
// retried "if budget>0").
var retryable = map[Kind]bool{
	KindRateLimit:   true,
	KindServerError: true,
	KindTimeout:     true,
	KindEmptyReply:  true,
}

// IsRetryable reports whether errors of this kind are, by default, worth
// retrying.
func (k Kind) IsRetryable() bool {
	return retryable[k]
}

// UserMessageKey returns the template key used to render a user-visible
// message for this error kind, or "" if the kind has no user-visible text
// (tool-scoped errors are resolved inside the tool loop, never shown raw).
func (k Kind) UserMessageKey() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth_error"
	case KindServerError:
		return "server_error"
	case KindContentFilter:
		return "content_filter"
	case KindTimeout:
		return "timeout"
	case KindEmptyReply:
		return "empty_reply"
	case KindAPIError, KindUnknown:
		return "api_error"
	default:
		return ""
	}
}

// CoreError is the structured error type returned by providers, transport,
// and the tool loop.
type CoreError struct {
	Kind       Kind
	Message    string
	RetryAfter float64 // seconds; set for KindRateLimit
	Cause      error
}

func (e *CoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Cause.Error())
	}
	return string(e.Kind)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New builds a CoreError of the given kind.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap builds a CoreError of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *CoreError {
	return &CoreError{Kind: kind, Cause: cause, Message: message}
}

// As reports whether err is (or wraps) a *CoreError and, if so, returns it.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a *CoreError, else KindUnknown.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether err should be retried, consulting the
// CoreError's kind when present and falling back to false otherwise.
func Retryable(err error) bool {
	if ce, ok := As(err); ok {
		return ce.Kind.IsRetryable()
	}
	return false
}

// Templates renders user-facing error text from a configurable set keyed by
// UserMessageKey, with a "{name}" placeholder for the bot/character name.
type Templates map[string]string

// DefaultTemplates returns the built-in English templates; callers typically
// override these from config for localization.
func DefaultTemplates() Templates {
	return Templates{
		"rate_limit":     "{name} is getting a lot of messages right now — try again in a bit.",
		"auth_error":     "{name} can't reach its brain right now (authentication problem).",
		"server_error":   "{name}'s upstream provider is having trouble. Please try again shortly.",
		"content_filter": "{name} can't respond to that one.",
		"timeout":        "{name} took too long to respond. Please try again.",
		"empty_reply":    "{name} didn't have anything to say — try rephrasing?",
		"api_error":      "{name} hit an unexpected error.",
		"unknown":        "{name} hit an unexpected error.",
	}
}

// Render renders the template for key, substituting {name}. Falls back to
// the "unknown" template, and to a bare generic string if that is missing
// too.
func (t Templates) Render(key, name string) string {
	tmpl, ok := t[key]
	if !ok {
		tmpl, ok = t["unknown"]
	}
	if !ok {
		tmpl = "{name} hit an unexpected error."
	}
	return strings.ReplaceAll(tmpl, "{name}", name)
}

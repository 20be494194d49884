// Package proxyerr defines the closed set of failure kinds shared by every
// stage of a proxied call.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. The set is closed; consumers switch over it
// exhaustively.
type Kind int

const (
	KindOther Kind = iota
	KindValidation
	KindRateLimited
	KindBudgetExceeded
	KindProviderUnavailable
	KindProviderError
	KindIo
)

// Kinds lists every Kind in declaration order.
var Kinds = []Kind{
	KindOther,
	KindValidation,
	KindRateLimited,
	KindBudgetExceeded,
	KindProviderUnavailable,
	KindProviderError,
	KindIo,
}

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderError:
		return "provider_error"
	case KindIo:
		return "io"
	default:
		return "other"
	}
}

// Error is the proxy's error value. Once created its Kind never changes;
// wrapping it with fmt.Errorf keeps it reachable through errors.As.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// Provider is set for failures attributed to an upstream.
	Provider string
	// Code is the upstream HTTP status for KindProviderError.
	Code int
	// RetryAfter is the upstream hint for KindRateLimited, zero if absent.
	RetryAfter time.Duration

	Cause error
}

func (e *Error) Error() string {
	var msg string
	if e.Provider != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithProvider returns a copy of e attributed to provider.
func (e *Error) WithProvider(provider string) *Error {
	cp := *e
	cp.Provider = provider
	return &cp
}

// WithDetail returns a copy of e with an extra structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(provider string, retryAfter time.Duration, message string) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, RetryAfter: retryAfter, Message: message}
}

func BudgetExceeded(format string, args ...any) *Error {
	return &Error{Kind: KindBudgetExceeded, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(provider, message string, cause error) *Error {
	return &Error{Kind: KindProviderUnavailable, Provider: provider, Message: message, Cause: cause}
}

func Provider(provider string, code int, message string) *Error {
	return &Error{Kind: KindProviderError, Provider: provider, Code: code, Message: message}
}

func IO(message string, cause error) *Error {
	return &Error{Kind: KindIo, Message: message, Cause: cause}
}

func Other(message string, cause error) *Error {
	return &Error{Kind: KindOther, Message: message, Cause: cause}
}

// As returns the innermost-wrapped *Error in err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the Kind of err, KindOther for unclassified errors.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return KindOther
}

// Classify converts any error into an *Error. Errors already classified keep
// their kind; deadline expiry and network failures become
// KindProviderUnavailable; everything else becomes KindOther with the cause
// preserved.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Unavailable(provider, "provider call exceeded its deadline", err)
	case errors.Is(err, context.Canceled):
		return Other("call cancelled", err)
	case IsNetworkFailure(err):
		return Unavailable(provider, "provider unreachable", err)
	}
	return Other("unclassified failure", err)
}

package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures for the fallback orchestrator.
type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited" // provider quota exceeded
	KindUnauthorized ErrorKind = "unauthorized" // bad or expired credential
	KindNotFound     ErrorKind = "not_found"    // unknown symbol, terminal per symbol
	KindTransient    ErrorKind = "transient"    // timeout or connection failure
	KindFatal        ErrorKind = "fatal"        // misconfiguration, no fallback possible
)

// ProviderError is the typed failure every adapter returns.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Symbol   string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s error for %q: %s (%v)", e.Provider, e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s error for %q: %s", e.Provider, e.Kind, e.Symbol, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func NewRateLimitedError(provider, symbol, hint string) *ProviderError {
	return &ProviderError{Kind: KindRateLimited, Provider: provider, Symbol: symbol, Message: hint}
}

func NewUnauthorizedError(provider, symbol, message string) *ProviderError {
	return &ProviderError{Kind: KindUnauthorized, Provider: provider, Symbol: symbol, Message: message}
}

func NewNotFoundError(provider, symbol string) *ProviderError {
	return &ProviderError{Kind: KindNotFound, Provider: provider, Symbol: symbol, Message: "symbol not found"}
}

func NewTransientError(provider, symbol, message string, cause error) *ProviderError {
	return &ProviderError{Kind: KindTransient, Provider: provider, Symbol: symbol, Message: message, Cause: cause}
}

func NewFatalError(provider, message string) *ProviderError {
	return &ProviderError{Kind: KindFatal, Provider: provider, Message: message}
}

// KindOf extracts the classification from a wrapped error chain.
// Context cancellation and unknown errors classify as transient so the
// orchestrator promotes to the next provider.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// classifyStatus maps an HTTP status into the error taxonomy.
func classifyStatus(provider, symbol string, status int) *ProviderError {
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitedError(provider, symbol, "provider quota exceeded, retry later")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewUnauthorizedError(provider, symbol, fmt.Sprintf("HTTP %d", status))
	case status == http.StatusNotFound:
		return NewNotFoundError(provider, symbol)
	case status >= 500:
		return NewTransientError(provider, symbol, fmt.Sprintf("HTTP %d", status), nil)
	default:
		return NewTransientError(provider, symbol, fmt.Sprintf("unexpected HTTP %d", status), nil)
	}
}

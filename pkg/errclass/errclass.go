// Package errclass classifies boundary errors into the retry taxonomy shared
// by the scheduler and the provider circuit breakers. Errors are classified
// once, at the boundary where they occur; downstream code switches on the
// class, never on error text.
package errclass

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class is the retry category of a boundary error.
type Class string

const (
	// Permanent errors surface to the caller. No retry, no breaker impact.
	Permanent Class = "PERMANENT"
	// Transient errors are expected to clear on their own.
	Transient Class = "TRANSIENT"
	// Timeout covers deadline and gateway-timeout failures.
	Timeout Class = "TIMEOUT"
	// Resource covers rate limits and exhaustion (429, ENOMEM, ENOSPC).
	Resource Class = "RESOURCE"
	// Unknown is everything else; retried conservatively.
	Unknown Class = "UNKNOWN"
)

// Retryable reports whether the scheduler should retry an error of this class.
func (c Class) Retryable() bool {
	return c != Permanent
}

// CountsTowardBreaker reports whether an outcome of this class is a breaker
// failure. Permanent errors are the caller's problem and never trip a
// provider breaker.
func (c Class) CountsTowardBreaker() bool {
	return c != Permanent && c != ""
}

// Error pairs an underlying error with an explicit classification. Boundaries
// that know the category (HTTP clients, the session buffer) wrap with New so
// downstream classification is exact rather than heuristic.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit class. Returns nil when err is nil.
func New(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

// ClassOf returns the class carried by err, or classifies it heuristically
// when it is untagged. A nil error has no class.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return classify(err)
}

// FromStatus maps an HTTP status code. Zero (no response) maps to Unknown.
func FromStatus(code int) Class {
	switch {
	case code == 408 || code == 504:
		return Timeout
	case code == 429:
		return Resource
	case code >= 400 && code < 500:
		return Permanent
	case code >= 500 && code < 600:
		return Transient
	default:
		return Unknown
	}
}

func classify(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return Transient
	case errors.Is(err, syscall.ENOENT):
		return Permanent
	case errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.ENOSPC):
		return Resource
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return Permanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	// Provider SDKs and the upstream runtime surface typed names in the
	// message; match them before the generic keywords.
	msg := err.Error()
	switch {
	case containsAny(msg, "AuthenticationError", "BadRequestError", "ENOTFOUND", "ENOENT"):
		return Permanent
	case containsAny(msg, "RateLimitError", "OverloadedError", "out of memory", "ENOMEM", "ENOSPC"):
		return Resource
	case containsAny(msg, "AbortError", "timeout", "Timeout"):
		return Timeout
	case containsAny(msg, "APIConnectionError", "ECONNRESET", "ECONNREFUSED"):
		return Transient
	}
	return Unknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

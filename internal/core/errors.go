package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies failures returned across the client's public surface.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindNotFound       ErrorKind = "not_found"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServer         ErrorKind = "server"
	KindNetwork        ErrorKind = "network"
	KindValidation     ErrorKind = "validation"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindInternal       ErrorKind = "internal"
)

// Retryable reports whether the limiter retries this kind with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// APIError is a classified failure with a short human-readable message.
type APIError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool {
	return e != nil && e.Kind.Retryable()
}

// NewError builds an APIError of the given kind.
func NewError(kind ErrorKind, message string, err error) *APIError {
	return &APIError{Kind: kind, Message: message, Err: err}
}

// ErrCircuitOpen returns the synthetic error used while the breaker is open.
func ErrCircuitOpen(wait time.Duration) *APIError {
	if wait < 0 {
		wait = 0
	}
	return &APIError{
		Kind:       KindCircuitOpen,
		Message:    "circuit breaker is open, requests are paused",
		RetryAfter: wait,
	}
}

// IsKind reports whether err is an APIError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// AsAPIError normalizes any error into an APIError.
// Unclassified errors become internal errors.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindNetwork, "request timed out", err)
	}
	return NewError(KindInternal, "unexpected client failure", err)
}

// ClassifyTransportError wraps an error raised before any response arrived.
func ClassifyTransportError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindInternal, "request canceled", err)
	}
	return NewError(KindNetwork, "could not reach the LMS", err)
}

// ClassifyResponse maps a non-2xx response to an APIError.
// It returns nil for successful statuses.
func ClassifyResponse(resp *http.Response, body []byte) *APIError {
	if resp == nil {
		return NewError(KindNetwork, "no response received", nil)
	}
	status := resp.StatusCode
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > 256 {
		detail = detail[:256]
	}

	apiErr := &APIError{StatusCode: status}
	if detail != "" {
		apiErr.Err = errors.New(detail)
	}

	switch {
	case status == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimit
		apiErr.Message = "LMS rate limit exceeded"
		apiErr.RetryAfter = RetryAfter(resp.Header)
	case status == http.StatusForbidden && throttled(resp.Header, detail):
		apiErr.Kind = KindRateLimit
		apiErr.Message = "LMS rate limit exceeded"
		apiErr.RetryAfter = RetryAfter(resp.Header)
	case status == http.StatusUnauthorized:
		apiErr.Kind = KindAuthentication
		apiErr.Message = "LMS rejected the access token"
	case status == http.StatusForbidden:
		apiErr.Kind = KindAuthorization
		apiErr.Message = "not permitted to access this resource"
	case status == http.StatusNotFound:
		apiErr.Kind = KindNotFound
		apiErr.Message = "resource not found"
	case status >= http.StatusInternalServerError:
		apiErr.Kind = KindServer
		apiErr.Message = "LMS server error"
	default:
		apiErr.Kind = KindValidation
		apiErr.Message = "request rejected by the LMS"
	}

	return apiErr
}

func throttled(header http.Header, body string) bool {
	if strings.Contains(strings.ToLower(body), "rate limit exceeded") {
		return true
	}
	info := ParseRateHeaders(header)
	return info.Remaining != nil && *info.Remaining <= 0
}

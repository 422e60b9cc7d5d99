// Package model defines shared types for the gateway.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a ProxyError.
type ErrorKind int

// Error kinds surfaced to clients.
const (
	KindUpstreamRejected ErrorKind = iota + 1
	KindUpstreamUnavailable
	KindAuthenticationFailed
	KindAuthorizationDenied
	KindValidationFailed
	KindBadGateway
)

func (k ErrorKind) String() string {
	switch k {
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindAuthorizationDenied:
		return "authorization_denied"
	case KindValidationFailed:
		return "validation_failed"
	case KindBadGateway:
		return "bad_gateway"
	default:
		return "unknown"
	}
}

// UnknownErrorDetail is used when an upstream error body is JSON without a detail field.
const UnknownErrorDetail = "Unknown error"

// ProxyError is the single client-facing error shape: an HTTP status plus a
// detail value rendered as {"detail": ...}.
type ProxyError struct {
	Kind   ErrorKind
	Status int
	// Detail is a string or a verbatim json.RawMessage taken from the upstream body.
	Detail any
	// Header holds extra response headers, e.g. WWW-Authenticate.
	Header http.Header

	cause error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.DetailString())
}

// Unwrap returns the underlying transport or decode error, if any.
func (e *ProxyError) Unwrap() error { return e.cause }

// DetailString renders Detail as text for logs and error messages.
func (e *ProxyError) DetailString() string {
	switch d := e.Detail.(type) {
	case nil:
		return ""
	case string:
		return d
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(d, &s); err == nil {
			return s
		}
		return string(d)
	default:
		return fmt.Sprint(d)
	}
}

// Body returns the JSON response body for the error.
func (e *ProxyError) Body() map[string]any {
	return map[string]any{"detail": e.Detail}
}

// UpstreamRejected passes an upstream non-2xx status and its detail through unchanged.
func UpstreamRejected(status int, detail any) *ProxyError {
	return &ProxyError{Kind: KindUpstreamRejected, Status: status, Detail: detail}
}

// UpstreamUnavailable reports that no response was received from an upstream.
func UpstreamUnavailable(detail string, cause error) *ProxyError {
	return &ProxyError{Kind: KindUpstreamUnavailable, Status: http.StatusServiceUnavailable, Detail: detail, cause: cause}
}

// AuthenticationFailed is a 401 carrying the bearer challenge header.
func AuthenticationFailed(detail any) *ProxyError {
	return &ProxyError{
		Kind:   KindAuthenticationFailed,
		Status: http.StatusUnauthorized,
		Detail: detail,
		Header: http.Header{"Www-Authenticate": []string{"Bearer"}},
	}
}

// AuthorizationDenied is the 403 returned when a privileged route is called by
// an unprivileged identity.
func AuthorizationDenied() *ProxyError {
	return &ProxyError{Kind: KindAuthorizationDenied, Status: http.StatusForbidden, Detail: "Action is unavailable"}
}

// ValidationFailed is a 422 for malformed client input.
func ValidationFailed(detail any) *ProxyError {
	return &ProxyError{Kind: KindValidationFailed, Status: http.StatusUnprocessableEntity, Detail: detail}
}

// BadGateway reports a 2xx upstream body the gateway could not decode.
func BadGateway(detail string, cause error) *ProxyError {
	return &ProxyError{Kind: KindBadGateway, Status: http.StatusBadGateway, Detail: detail, cause: cause}
}

// AsProxyError extracts a *ProxyError from err's chain.
func AsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

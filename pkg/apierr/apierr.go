// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypePermissionError   = "permission_error"
	TypeInsufficientFunds = "insufficient_credits_error"
	TypeContentPolicy     = "content_policy_error"
	TypeUnavailableError  = "service_unavailable_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeInvalidRequest      = "invalid_request"
	CodeInsufficientCredits = "insufficient_credits"
	CodeTrialExpired        = "trial_expired"
	CodeModelForbidden      = "model_forbidden"
	CodeContentPolicy       = "content_policy_violation"
	CodeNoProviderAvailable = "no_provider_available"
)

// APIError is the structured error returned to clients. RequestID is omitted
// from the envelope when empty (e.g. errors raised before requestID middleware
// assigns one).
type (
	APIError struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      string `json:"code"`
		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteWithRequestID(ctx, status, message, errType, code, "")
}

// WriteWithRequestID is Write plus the request id the client can quote back
// for support, never an internal stack trace. Bodies written through Write,
// WriteProviderError, WriteTimeout and WriteRateLimit carry no request id.
func WriteWithRequestID(ctx *fasthttp.RequestCtx, status int, message, errType, code, requestID string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	}})
	ctx.SetBody(body)
}

// WriteInsufficientCredits writes a 402 for a user whose balance can't cover
// the request (pre-check or atomic deduction failure).
func WriteInsufficientCredits(ctx *fasthttp.RequestCtx, requestID string) {
	WriteWithRequestID(ctx, fasthttp.StatusPaymentRequired,
		"insufficient credits", TypeInsufficientFunds, CodeInsufficientCredits, requestID)
}

// WriteForbidden writes a 403 for a trial-expired user or an anonymous caller
// requesting a model outside the free whitelist.
func WriteForbidden(ctx *fasthttp.RequestCtx, message, code, requestID string) {
	WriteWithRequestID(ctx, fasthttp.StatusForbidden, message, TypePermissionError, code, requestID)
}

// WriteNoProvider writes a 503 when the dispatch chain is empty after C4/C5
// filtering — no candidate provider remains to try.
func WriteNoProvider(ctx *fasthttp.RequestCtx, requestID string) {
	WriteWithRequestID(ctx, fasthttp.StatusServiceUnavailable,
		"no provider available to serve this model", TypeUnavailableError, CodeNoProviderAvailable, requestID)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// It never writes 504; timeouts are written by WriteTimeout.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

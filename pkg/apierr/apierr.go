// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeBackendError      = "backend_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeBackendError      = "backend_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNoWorker          = "no_worker_available"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`

		// RetryAfterSeconds is set only on 429 responses so clients can back
		// off without parsing headers.
		RetryAfterSeconds int `json:"retryAfterSeconds,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 authentication error. Terminal for the
// client until it fixes its credentials.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "missing or invalid API key"
	}
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 rate limit error. retryAfterSeconds is included
// both as a Retry-After header and in the JSON body.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:           "rate limit exceeded",
		Type:              TypeRateLimitError,
		Code:              CodeRateLimitExceeded,
		RetryAfterSeconds: retryAfterSeconds,
	}})
	ctx.SetBody(body)
}

// WriteNoWorker writes a 503 when no active worker of the required type
// exists. The gateway never queues server-side; clients may retry later.
func WriteNoWorker(ctx *fasthttp.RequestCtx, workerType string) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no active worker available for type "+strconv.Quote(workerType),
		TypeBackendError, CodeNoWorker)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "generation backend timed out", TypeBackendError, CodeRequestTimeout)
}

// WriteBackendError maps an upstream HTTP status to the appropriate gateway status.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 5xx  → 502
//	Default       → 502
func WriteBackendError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		WriteRateLimit(ctx, 60)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeBackendError, CodeBackendError)
	}
}

// Package apierr defines the error envelope returned by the gateway's HTTP
// surface. Errors are values: build one with a constructor, then Write it to
// the response.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// E is one API error. The zero value is not usable; construct through the
// helpers below so type and code stay consistent.
type E struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`

	// RetryAfter, when non-empty, is emitted as a Retry-After header.
	RetryAfter string `json:"-"`
}

// InvalidRequest is a 400 for malformed or unacceptable client input.
func InvalidRequest(msg string) E {
	return E{
		Status:  fasthttp.StatusBadRequest,
		Message: msg,
		Type:    "invalid_request_error",
		Code:    "invalid_request",
	}
}

// Upstream is a 502 for provider-side failures the gateway could not work
// around.
func Upstream(msg string) E {
	return E{
		Status:  fasthttp.StatusBadGateway,
		Message: msg,
		Type:    "provider_error",
		Code:    "provider_error",
	}
}

// RateLimited is a 429 with a Retry-After hint.
func RateLimited(msg string) E {
	return E{
		Status:     fasthttp.StatusTooManyRequests,
		Message:    msg,
		Type:       "rate_limit_error",
		Code:       "rate_limit_exceeded",
		RetryAfter: "60",
	}
}

// Timeout is a 504 for upstream deadline expiry.
func Timeout(msg string) E {
	return E{
		Status:  fasthttp.StatusGatewayTimeout,
		Message: msg,
		Type:    "provider_error",
		Code:    "request_timeout",
	}
}

// Internal is a 500 for gateway-side faults.
func Internal(msg string) E {
	return E{
		Status:  fasthttp.StatusInternalServerError,
		Message: msg,
		Type:    "server_error",
		Code:    "internal_error",
	}
}

// Write serializes the error envelope onto the fasthttp response.
func (e E) Write(ctx *fasthttp.RequestCtx) {
	if e.RetryAfter != "" {
		ctx.Response.Header.Set("Retry-After", e.RetryAfter)
	}
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(struct {
		Error E `json:"error"`
	}{Error: e})
	ctx.SetBody(body)
}

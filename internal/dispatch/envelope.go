package dispatch

import (
	"context"
	"errors"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/client"
)

// ErrInvalidArguments wraps every argument decoding, schema and semantic
// validation failure.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrUnknownTool is returned for calls to a name that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorCode is the stable, client-facing failure classification.
type ErrorCode string

const (
	CodeValidation  ErrorCode = "VALIDATION_ERROR"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeUpstream    ErrorCode = "UPSTREAM_ERROR"
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeInternal    ErrorCode = "INTERNAL_ERROR"
)

// Envelope is the normalized result of every tool call.
type Envelope struct {
	Status    string       `json:"status"`
	Tool      string       `json:"tool"`
	RequestID string       `json:"requestId"`
	Source    cache.Source `json:"source,omitempty"`
	Data      any          `json:"data,omitempty"`
	Error     *ErrorBody   `json:"error,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// OK reports whether the call succeeded.
func (e Envelope) OK() bool { return e.Status == StatusSuccess }

// Code classifies err. Timeouts and rate limits are checked before the
// generic upstream failure they travel with.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArguments), errors.Is(err, ErrUnknownTool), errors.Is(err, client.ErrValidation):
		return CodeValidation
	case errors.Is(err, client.ErrLocationNotFound):
		return CodeNotFound
	case errors.Is(err, client.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, cache.ErrCoalesceTimeout):
		return CodeTimeout
	case errors.Is(err, client.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, client.ErrUpstreamFailure), errors.Is(err, client.ErrInvalidAPIKey):
		return CodeUpstream
	}
	return CodeInternal
}

// message returns text safe to show a caller. Validation and not-found
// details come from input; upstream and internal details stay in the logs.
func message(code ErrorCode, err error) string {
	switch code {
	case CodeValidation, CodeNotFound:
		return err.Error()
	case CodeTimeout:
		return "request timed out"
	case CodeRateLimited:
		return "weather provider rate limit reached, retry later"
	case CodeUpstream:
		if errors.Is(err, client.ErrCircuitOpen) {
			return "weather provider temporarily unavailable"
		}
		if errors.Is(err, client.ErrInvalidAPIKey) {
			return "weather provider rejected the server credentials"
		}
		return "weather provider request failed"
	}
	return "internal error"
}

func success(tool, requestID string, src cache.Source, data any) Envelope {
	return Envelope{Status: StatusSuccess, Tool: tool, RequestID: requestID, Source: src, Data: data}
}

func failure(tool, requestID string, err error) Envelope {
	code := Code(err)
	return Envelope{
		Status:    StatusError,
		Tool:      tool,
		RequestID: requestID,
		Error:     &ErrorBody{Code: code, Message: message(code, err)},
	}
}

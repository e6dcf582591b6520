// errors.go - Error categorization for extraction service calls

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
)

// ExtractError is a categorized extraction service error. Category is a short
// stable token suitable for logs and aggregated error reports.
type ExtractError struct {
	Category   string
	StatusCode int
	Err        error
}

func (e *ExtractError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %v (status: %d)", e.Category, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %v", e.Category, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// categorize wraps an extraction service error with a category.
func categorize(err error) *ExtractError {
	out := &ExtractError{Category: "unknown", Err: err}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.Code
		switch apiErr.Code {
		case 400:
			out.Category = "bad_request"
		case 401:
			out.Category = "unauthorized"
		case 403:
			out.Category = "forbidden"
		case 404:
			out.Category = "not_found"
		case 413:
			out.Category = "payload_too_large"
		case 429:
			out.Category = "rate_limit"
		case 500, 502, 503, 504:
			out.Category = "server_error"
		default:
			out.Category = "api_error"
		}
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) {
		out.Category = "timeout"
		return out
	}
	if errors.Is(err, context.Canceled) {
		out.Category = "canceled"
		return out
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "limit"):
		out.Category = "quota"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		out.Category = "timeout"
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		out.Category = "network_error"
	}
	return out
}

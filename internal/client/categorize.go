package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (waqiErrorsTotal).
const (
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNetwork         ErrorCategory = "network"
	ErrorCategoryInvalidToken    ErrorCategory = "invalid_token"
	ErrorCategoryStationNotFound ErrorCategory = "station_not_found"
	ErrorCategoryRateLimited     ErrorCategory = "rate_limited"
	ErrorCategoryCircuitOpen     ErrorCategory = "circuit_open"
	ErrorCategoryUpstream        ErrorCategory = "upstream"
	ErrorCategoryParsing         ErrorCategory = "parsing"
	ErrorCategoryUnknown         ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. Sentinels are checked before message text.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrInvalidToken):
		return ErrorCategoryInvalidToken
	case errors.Is(err, ErrStationNotFound):
		return ErrorCategoryStationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host"):
		return ErrorCategoryNetwork
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal"):
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}

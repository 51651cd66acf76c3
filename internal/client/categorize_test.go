package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"invalid token", ErrInvalidToken, ErrorCategoryInvalidToken},
		{"wrapped invalid token", fmt.Errorf("auth: %w", ErrInvalidToken), ErrorCategoryInvalidToken},
		{"station not found", ErrStationNotFound, ErrorCategoryStationNotFound},
		{"rate limited", ErrRateLimited, ErrorCategoryRateLimited},
		{"circuit open", fmt.Errorf("%w: waqi", ErrCircuitOpen), ErrorCategoryCircuitOpen},
		{"upstream failure", fmt.Errorf("exhausted retries: %w", ErrUpstreamFailure), ErrorCategoryUpstream},
		{"timeout wrapped", fmt.Errorf("request timeout: %w", context.DeadlineExceeded), ErrorCategoryTimeout},
		{"network in message", errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"parse in message", errors.New("parse response: invalid json"), ErrorCategoryParsing},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

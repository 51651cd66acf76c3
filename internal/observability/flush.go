package observability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Flusher is anything holding buffered telemetry or connections to release on exit.
type Flusher func(ctx context.Context) error

// FlushTelemetry runs the flushers and then syncs the logger. Metrics are pull-based and need no flush.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, flushers ...Flusher) error {
	var errs []error
	for _, f := range flushers {
		if err := f(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Package lifecycle holds process-wide readiness flags read by the health check.
package lifecycle

import "sync/atomic"

var (
	shuttingDown atomic.Bool
	dataLoaded   atomic.Bool
	cities       atomic.Int64
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT is received.
// Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkDataLoaded records that the observation dataset is available with n cities.
// n == 0 leaves the service not ready.
func MarkDataLoaded(n int) {
	cities.Store(int64(n))
	dataLoaded.Store(n > 0)
}

// DataLoaded reports whether a non-empty dataset has been loaded, and its city count.
func DataLoaded() (bool, int) {
	return dataLoaded.Load(), int(cities.Load())
}

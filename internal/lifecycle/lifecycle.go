package lifecycle

import "sync/atomic"

var (
	ready        atomic.Bool
	shuttingDown atomic.Bool
	fatalReason  atomic.Pointer[string]
)

// SetReady marks initialization complete (config, logger, cache and MCP server up).
// /readyz answers not_ready until this is true.
func SetReady(v bool) {
	ready.Store(v)
}

// IsReady reports whether initialization has completed.
func IsReady() bool {
	return ready.Load()
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Readiness returns 503 shutting_down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// SetFatal records a condition the process cannot recover from, such as a
// stopped MCP transport. /healthz reports unhealthy once set. The first reason wins.
func SetFatal(reason string) {
	fatalReason.CompareAndSwap(nil, &reason)
}

// Fatal returns the recorded fatal reason and whether one is set.
func Fatal() (string, bool) {
	p := fatalReason.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Reset clears every flag. For tests only.
func Reset() {
	ready.Store(false)
	shuttingDown.Store(false)
	fatalReason.Store(nil)
}

// Package shutdown gives every long-running component in cmd/orchestrator a
// shared cancellation signal, grounded on the
// internal/inference/platform/shutdown package.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context canceled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

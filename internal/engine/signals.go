package engine

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext returns a context cancelled on SIGINT or SIGTERM. Each host
// process call gets its own registration; nothing is stored globally, so
// tests and multi-host processes can layer their own signal handling.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// RunUntilSignalled starts the host, blocks until SIGINT/SIGTERM or parent
// cancellation, then shuts it down.
func (h *Host) RunUntilSignalled(parent context.Context) error {
	ctx, stop := SignalContext(parent)
	defer stop()
	return h.Run(ctx)
}

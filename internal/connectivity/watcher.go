package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Watcher turns reachability of a probe address into EventOnline and
// EventOffline. It only emits on a transition relative to the controller's
// current state.
type Watcher struct {
	ctrl     *Controller
	address  string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewWatcher creates a watcher that dials address over TCP
func NewWatcher(ctrl *Controller, address string, interval, timeout time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Watcher{
		ctrl:     ctrl,
		address:  address,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		dial:     (&net.Dialer{}).DialContext,
	}
}

// ProbeOnce reports whether the probe address accepts a connection
func (w *Watcher) ProbeOnce(ctx context.Context) bool {
	if w.address == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, err := w.dial(ctx, "tcp", w.address)
	if err != nil {
		w.logger.Debug("reachability probe failed", "address", w.address, "error", err)
		return false
	}
	conn.Close()
	return true
}

// Check probes once and forwards a transition to the controller
func (w *Watcher) Check(ctx context.Context) {
	online := w.ProbeOnce(ctx)
	if ctx.Err() != nil {
		return
	}
	if online == w.ctrl.State().IsOnline {
		return
	}

	ev := EventOffline
	if online {
		ev = EventOnline
	}
	w.ctrl.HandleEvent(ev)
}

// Run checks on every interval until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("connectivity watcher started", "address", w.address, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("connectivity watcher stopped")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

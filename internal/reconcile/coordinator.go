// Package reconcile schedules reconciliation passes between the local
// dataset and the remote sync service. The pass itself is pluggable.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/localconsole/internal/config"
	"github.com/BadgerOps/localconsole/internal/connectivity"
	"github.com/BadgerOps/localconsole/internal/metrics"
	"github.com/BadgerOps/localconsole/internal/store"
)

var (
	// ErrOffline is returned when a pass is requested while the host is offline
	ErrOffline = errors.New("host is offline")
	// ErrPassInProgress is returned when a pass is already running
	ErrPassInProgress = errors.New("a reconciliation pass is already running")
)

// Sync run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Pass is the context handed to a Reconciler
type Pass struct {
	RunID       int64
	EndpointKey string
	BaseURL     string
	Mode        connectivity.Mode
	StartedAt   time.Time
}

// Reconciler performs one pass against the remote service
type Reconciler interface {
	Reconcile(ctx context.Context, pass Pass) error
}

// ReconcilerFunc adapts a function to Reconciler
type ReconcilerFunc func(ctx context.Context, pass Pass) error

func (f ReconcilerFunc) Reconcile(ctx context.Context, pass Pass) error { return f(ctx, pass) }

// Nop is a Reconciler that does nothing
type Nop struct{}

func (Nop) Reconcile(context.Context, Pass) error { return nil }

// RunStore records passes
type RunStore interface {
	CreateSyncRun(run *store.SyncRun) error
	UpdateSyncRun(run *store.SyncRun) error
	ListSyncRuns(limit int) ([]store.SyncRun, error)
}

// Resolver maps the sync endpoint key to a base URL
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// StateSource is the connectivity state the coordinator follows
type StateSource interface {
	State() connectivity.State
	Subscribe() (<-chan connectivity.State, func())
}

// Coordinator decides when passes run. It never runs one while offline and
// never runs two at once.
type Coordinator struct {
	runs       RunStore
	resolver   Resolver
	state      StateSource
	reconciler Reconciler
	cfg        config.SyncConfig
	logger     *slog.Logger

	running atomic.Bool
}

// NewCoordinator creates a coordinator. A nil reconciler means Nop.
func NewCoordinator(runs RunStore, resolver Resolver, state StateSource, reconciler Reconciler, cfg config.SyncConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if reconciler == nil {
		reconciler = Nop{}
	}
	if cfg.EndpointKey == "" {
		cfg.EndpointKey = "sync"
	}
	return &Coordinator{
		runs:       runs,
		resolver:   resolver,
		state:      state,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
	}
}

// Running reports whether a pass is in flight
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// History returns the most recent passes, newest first
func (c *Coordinator) History(limit int) ([]store.SyncRun, error) {
	return c.runs.ListSyncRuns(limit)
}

// RunOnce performs a single pass now. It returns ErrOffline without touching
// the network when the host is offline, and ErrPassInProgress when another
// pass holds the slot. A panicking reconciler fails the pass.
func (c *Coordinator) RunOnce(ctx context.Context) (*store.SyncRun, error) {
	st := c.state.State()
	if !st.IsOnline {
		metrics.SyncPasses.WithLabelValues("offline").Inc()
		return nil, ErrOffline
	}

	if !c.running.CompareAndSwap(false, true) {
		metrics.SyncPasses.WithLabelValues("in_progress").Inc()
		return nil, ErrPassInProgress
	}
	defer c.running.Store(false)

	startTime := time.Now()
	run := &store.SyncRun{
		Endpoint:  c.cfg.EndpointKey,
		Mode:      string(st.Mode),
		StartTime: startTime,
		Status:    StatusRunning,
	}
	if err := c.runs.CreateSyncRun(run); err != nil {
		c.logger.Error("failed to create sync run record", "endpoint", c.cfg.EndpointKey, "error", err)
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	c.logger.Info("starting reconciliation pass", "run", run.ID, "endpoint", c.cfg.EndpointKey, "mode", st.Mode)

	err := c.pass(ctx, run, st)

	run.EndTime = time.Now()
	run.Status = StatusCompleted
	if err != nil {
		run.Status = StatusFailed
		run.ErrorMessage = err.Error()
	}
	if uerr := c.runs.UpdateSyncRun(run); uerr != nil {
		c.logger.Error("failed to update sync run record", "run", run.ID, "error", uerr)
	}
	metrics.SyncPasses.WithLabelValues(run.Status).Inc()

	if err != nil {
		c.logger.Warn("reconciliation pass failed", "run", run.ID, "duration", time.Since(startTime), "error", err)
		return run, err
	}
	c.logger.Info("reconciliation pass completed", "run", run.ID, "duration", time.Since(startTime))
	return run, nil
}

func (c *Coordinator) pass(ctx context.Context, run *store.SyncRun, st connectivity.State) (err error) {
	base, err := c.resolver.Resolve(ctx, c.cfg.EndpointKey)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reconciler panicked", "run", run.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("reconciler panicked: %v", r)
		}
	}()

	return c.reconciler.Reconcile(ctx, Pass{
		RunID:       run.ID,
		EndpointKey: c.cfg.EndpointKey,
		BaseURL:     base,
		Mode:        st.Mode,
		StartedAt:   run.StartTime,
	})
}

// Run performs a pass at startup, then on the interval configured for the
// current mode, and whenever the host goes from offline to online. It
// returns when ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	updates, unsubscribe := c.state.Subscribe()
	defer unsubscribe()

	last := c.state.State()
	interval := c.cfg.IntervalFor(string(last.Mode))
	c.logger.Info("sync coordinator started", "mode", last.Mode, "online", last.IsOnline, "interval", interval)

	c.trigger(ctx, "startup")

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync coordinator stopped")
			return

		case <-timer.C:
			c.trigger(ctx, "interval")
			timer.Reset(c.cfg.IntervalFor(string(c.state.State().Mode)))

		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.Mode != last.Mode {
				interval = c.cfg.IntervalFor(string(st.Mode))
				c.logger.Info("sync interval changed", "mode", st.Mode, "interval", interval)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(interval)
			}
			if st.IsOnline && !last.IsOnline {
				c.trigger(ctx, "reconnect")
			}
			last = st
		}
	}
}

func (c *Coordinator) trigger(ctx context.Context, reason string) {
	_, err := c.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrOffline), errors.Is(err, ErrPassInProgress):
		c.logger.Debug("reconciliation pass skipped", "reason", reason, "cause", err)
	default:
		c.logger.Debug("triggered reconciliation pass failed", "reason", reason, "error", err)
	}
}

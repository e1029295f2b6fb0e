// Package connectivity owns the process-wide connectivity state: the
// operator-selected sync mode and the host's last reported reachability.
package connectivity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BadgerOps/localconsole/internal/metrics"
)

// Mode is the operator-selected synchronization strategy
type Mode string

const (
	ModeOnlineFirst  Mode = "ONLINE_FIRST"
	ModeOfflineFirst Mode = "OFFLINE_FIRST"
	ModeHybrid       Mode = "HYBRID"
	ModeSync         Mode = "SYNC"
)

// Modes lists every valid mode
var Modes = []Mode{ModeOnlineFirst, ModeOfflineFirst, ModeHybrid, ModeSync}

// ParseMode accepts mode names case-insensitively, with '-' or '_'
func ParseMode(s string) (Mode, error) {
	norm := Mode(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, m := range Modes {
		if norm == m {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown connectivity mode %q", s)
}

// Event is a network transition reported by the host environment
type Event int

const (
	EventOnline Event = iota
	EventOffline
)

func (e Event) String() string {
	switch e {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ParseEvent accepts "online" or "offline"
func ParseEvent(s string) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return EventOnline, nil
	case "offline":
		return EventOffline, nil
	}
	return 0, fmt.Errorf("unknown connectivity event %q", s)
}

// State is the (mode, isOnline) pair. It is always read and published whole.
type State struct {
	Mode     Mode `json:"mode"`
	IsOnline bool `json:"is_online"`
}

// SettingsStore persists the selected mode across restarts
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// ModeSettingKey is the settings key the selected mode is stored under
const ModeSettingKey = "connectivity.mode"

// Controller holds the single authoritative State. It performs no I/O of its
// own apart from persisting the mode.
type Controller struct {
	mu       sync.Mutex
	state    State
	settings SettingsStore
	logger   *slog.Logger

	subs   map[int]chan State
	nextID int

	// close-and-replace notification for long-polling readers
	notify chan struct{}
}

// NewController creates a controller with the given initial state. settings
// may be nil.
func NewController(initial State, settings SettingsStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.ConnectivityOnline.Set(metrics.BoolGauge(initial.IsOnline))
	return &Controller{
		state:    initial,
		settings: settings,
		logger:   logger,
		subs:     make(map[int]chan State),
		notify:   make(chan struct{}),
	}
}

// LoadMode returns the persisted mode, or fallback when none is stored or the
// stored value is unusable
func LoadMode(settings SettingsStore, fallback Mode, logger *slog.Logger) Mode {
	if settings == nil {
		return fallback
	}
	raw, err := settings.GetSetting(ModeSettingKey)
	if err != nil {
		return fallback
	}
	m, err := ParseMode(raw)
	if err != nil {
		if logger != nil {
			logger.Warn("ignoring stored connectivity mode", "value", raw, "error", err)
		}
		return fallback
	}
	return m
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetMode replaces the mode. isOnline is left as is.
func (c *Controller) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settings != nil {
		if err := c.settings.SetSetting(ModeSettingKey, string(m)); err != nil {
			c.logger.Warn("failed to persist connectivity mode", "mode", m, "error", err)
		}
	}

	if c.state.Mode == m {
		return nil
	}
	prev := c.state.Mode
	c.state.Mode = m
	c.logger.Info("connectivity mode changed", "from", prev, "to", m)
	c.publishLocked()
	return nil
}

// HandleEvent applies a network transition. mode is left as is.
func (c *Controller) HandleEvent(ev Event) {
	online := ev == EventOnline

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsOnline == online {
		return
	}
	c.state.IsOnline = online
	metrics.ConnectivityOnline.Set(metrics.BoolGauge(online))
	c.logger.Info("connectivity changed", "event", ev.String(), "mode", c.state.Mode)
	c.publishLocked()
}

// Subscribe returns a channel that receives every subsequent State. The
// channel holds at most one pending value; a slow reader skips intermediate
// states but always ends up with the latest one. Call cancel to unsubscribe.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan State, 1)
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Wait returns a channel that is closed on the next state change
func (c *Controller) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// publishLocked must be called with mu held
func (c *Controller) publishLocked() {
	st := c.state
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}

	close(c.notify)
	c.notify = make(chan struct{})
}

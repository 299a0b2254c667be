package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldbook/fieldbook/internal/metrics"
	"github.com/fieldbook/fieldbook/internal/store"
)

// State is the observed connectivity of the primary store.
type State struct {
	// Mode is fixed at startup.
	Mode      Mode      `json:"mode" yaml:"mode"`
	Reachable bool      `json:"reachable" yaml:"reachable"`
	LastProbe time.Time `json:"last_probe" yaml:"last_probe"`
	LastError string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures" yaml:"failures"`
}

// MonitorConfig holds configuration for the heartbeat monitor.
type MonitorConfig struct {
	PrimaryPath string
	Interval    time.Duration
	Logger      *slog.Logger
	// Probe overrides the liveness check, for tests.
	Probe func(ctx context.Context) error
	Now   func() time.Time
}

// Monitor probes the primary store on a fixed interval. Probe failures are
// logged and recorded, never returned to callers.
type Monitor struct {
	config *MonitorConfig

	mu        sync.RWMutex
	state     State
	listeners []func(prev, next State)
}

// NewMonitor returns a monitor for a process serving in mode.
func NewMonitor(mode Mode, config *MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Probe == nil {
		path := config.PrimaryPath
		config.Probe = func(ctx context.Context) error { return probePrimary(ctx, path) }
	}
	return &Monitor{
		config: config,
		state:  State{Mode: mode, Reachable: mode == Online},
	}
}

// OnTransition registers fn to run whenever reachability changes.
func (m *Monitor) OnTransition(fn func(prev, next State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.config.Logger.Info("heartbeat started", "interval", m.config.Interval)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one liveness probe and returns the new state.
func (m *Monitor) ProbeOnce(ctx context.Context) State {
	err := m.config.Probe(ctx)
	metrics.HeartbeatTotal.WithLabelValues(metrics.Status(err)).Inc()
	metrics.PrimaryReachable.Set(metrics.Bool(err == nil))

	m.mu.Lock()
	prev := m.state
	next := prev
	next.LastProbe = m.config.Now()
	if err != nil {
		next.Reachable = false
		next.LastError = err.Error()
		next.Failures++
	} else {
		next.Reachable = true
		next.LastError = ""
		next.Failures = 0
	}
	m.state = next
	listeners := append([]func(prev, next State){}, m.listeners...)
	m.mu.Unlock()

	log := m.config.Logger
	switch {
	case err != nil:
		log.Warn("lost connection to primary store, edits may fail", "error", err, "failures", next.Failures)
	case !prev.Reachable && next.Mode == Offline:
		log.Info("primary store reachable again; still serving the snapshot until restart")
	case !prev.Reachable:
		log.Info("primary store reachable again")
	}

	if prev.Reachable != next.Reachable {
		for _, fn := range listeners {
			fn(prev, next)
		}
	}
	return next
}

// probePrimary opens the primary read-only so a missing file is reported
// instead of created.
func probePrimary(ctx context.Context, path string) error {
	db, err := store.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Ping(ctx)
}

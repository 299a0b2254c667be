package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Outcome classifies the result of Manager.Enter.
type Outcome string

const (
	// OutcomeAcquired means the session now holds a fresh lock.
	OutcomeAcquired Outcome = "acquired"
	// OutcomeReentered means the session already held the current lock.
	OutcomeReentered Outcome = "reentered"
	// OutcomeHeld means another holder has an active lock.
	OutcomeHeld Outcome = "held"
	// OutcomeLost means the lock was free but another acquirer won the race.
	OutcomeLost Outcome = "lost"
)

// Decision is the result of an edit entry attempt.
type Decision struct {
	Outcome Outcome
	// Reclaimed is set when a stale lock was released before acquiring.
	Reclaimed bool
	// Info describes the current holder: the session itself when granted,
	// the blocking holder otherwise (nil if unknown).
	Info *Info
}

// Granted reports whether the session may enter the edit route.
func (d Decision) Granted() bool {
	return d.Outcome == OutcomeAcquired || d.Outcome == OutcomeReentered
}

// Message is a user-facing summary of the decision.
func (d Decision) Message() string {
	switch d.Outcome {
	case OutcomeAcquired, OutcomeReentered:
		if d.Reclaimed {
			return "Lock expired. Released stale lock and acquired it."
		}
		return "Lock acquired."
	case OutcomeHeld:
		if d.Info != nil {
			return fmt.Sprintf("Locked: %s", d.Info.Raw)
		}
		return "Locked by another user."
	default:
		return "Could not acquire lock. Another user may have just opened it."
	}
}

// Status is a snapshot of the lock state.
type Status struct {
	Locked  bool          `json:"locked" yaml:"locked"`
	Expired bool          `json:"expired" yaml:"expired"`
	Holder  string        `json:"holder,omitempty" yaml:"holder,omitempty"`
	Since   *time.Time    `json:"since,omitempty" yaml:"since,omitempty"`
	Token   int64         `json:"token,omitempty" yaml:"token,omitempty"`
	Raw     string        `json:"raw,omitempty" yaml:"raw,omitempty"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Manager applies the edit entry policy on top of a Locker and tracks which
// session owns the current acquisition. Construct one per process.
type Manager struct {
	locker   Locker
	sessions *Sessions
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager returns a Manager. A non-positive timeout means DefaultTimeout.
func NewManager(locker Locker, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		locker:   locker,
		sessions: NewSessions(),
		timeout:  timeout,
		logger:   logger,
	}
}

// Locker returns the underlying backend.
func (m *Manager) Locker() Locker { return m.locker }

// Timeout returns the stale-lock threshold.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Enter runs check, expire, release, acquire for session on behalf of
// holder. A session that already owns the current lock re-enters without
// touching the marker.
func (m *Manager) Enter(ctx context.Context, session, holder string) (Decision, error) {
	var d Decision

	locked, err := m.locker.IsLocked(ctx)
	if err != nil {
		return d, err
	}
	var info *Info
	if locked {
		if info, err = m.locker.Info(ctx); err != nil {
			return d, err
		}
	}
	// A nil info means the lock was released since IsLocked.
	if info != nil {
		if m.sessions.owns(session, info) {
			d.Outcome = OutcomeReentered
			d.Info = info
			return d, nil
		}

		expired, err := m.locker.IsExpired(ctx, m.timeout)
		if err != nil {
			return d, err
		}
		if !expired {
			m.logger.Info("lock active, denying access", "holder", holderOf(info))
			d.Outcome = OutcomeHeld
			d.Info = info
			return d, nil
		}

		m.logger.Info("lock expired, releasing stale lock", "holder", holderOf(info))
		if err := m.locker.Release(ctx); err != nil {
			return d, err
		}
		d.Reclaimed = true
	}

	ok, err := m.locker.Acquire(ctx, holder)
	if err != nil {
		return d, err
	}
	info, err = m.locker.Info(ctx)
	if err != nil {
		return d, err
	}
	d.Info = info
	if !ok || info == nil {
		m.logger.Warn("failed to acquire lock", "holder", holder)
		d.Outcome = OutcomeLost
		return d, nil
	}

	m.sessions.set(session, info)
	m.logger.Debug("lock acquired", "holder", holder)
	d.Outcome = OutcomeAcquired
	return d, nil
}

// Exit is the normal release path after an edit is submitted. Only the
// session that owns the current acquisition releases the lock; for any
// other session Exit only forgets its stale ownership record.
func (m *Manager) Exit(ctx context.Context, session string) (bool, error) {
	info, err := m.locker.Info(ctx)
	if err != nil {
		return false, err
	}
	if !m.sessions.owns(session, info) {
		m.sessions.clear(session)
		return false, nil
	}
	if err := m.locker.Release(ctx); err != nil {
		return false, err
	}
	m.sessions.clear(session)
	return true, nil
}

// Unlock releases the lock for a session that still owns it, and fails
// with ErrNotOwner otherwise.
func (m *Manager) Unlock(ctx context.Context, session string) error {
	released, err := m.Exit(ctx, session)
	if err != nil {
		return err
	}
	if !released {
		m.logger.Info("unlock blocked: session does not own the lock")
		return ErrNotOwner
	}
	return nil
}

// Break releases the lock regardless of owner.
func (m *Manager) Break(ctx context.Context) error {
	if err := m.locker.Release(ctx); err != nil {
		return err
	}
	m.sessions.clearAll()
	return nil
}

// Status reports the current lock state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	s := Status{Timeout: m.timeout}
	info, err := m.locker.Info(ctx)
	if err != nil {
		return s, err
	}
	if info == nil {
		return s, nil
	}
	s.Locked = true
	s.Holder = info.Holder
	s.Token = info.Token
	s.Raw = info.Raw
	if !info.AcquiredAt.IsZero() {
		t := info.AcquiredAt
		s.Since = &t
	}
	if s.Expired, err = m.locker.IsExpired(ctx, m.timeout); err != nil {
		return s, err
	}
	return s, nil
}

func holderOf(info *Info) string {
	if info == nil {
		return ""
	}
	return info.Holder
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sageflow/sageflow-go/flow/emit"
)

// Monitor defaults.
const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultWarnWindow      = 15 * time.Minute
)

// Monitor watches open pause records and enforces their deadlines: a
// one-time warning inside the warn window, then the pause's timeout
// action once the deadline passes. Several monitors may run against the
// same repository; the pause record's version CAS keeps warnings and
// expirations single-shot.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	warn     time.Duration
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithWarnWindow sets how long before the deadline the warning fires.
// Zero disables warnings.
func WithWarnWindow(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.warn = d }
}

// NewMonitor creates a Monitor over the engine's repository.
func NewMonitor(e *Engine, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		engine:   e,
		interval: DefaultMonitorInterval,
		warn:     DefaultWarnWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run scans until ctx is canceled. Blocking; start it in a goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.engine.log.Error().Err(err).Msg("pause sweep failed")
			}
		}
	}
}

// Sweep performs one scan: warn on pauses entering the warn window,
// expire pauses past their deadline. Exported so tests and cron-style
// deployments can drive it directly.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := m.engine.now()
	horizon := now.Add(m.warn)

	pauses, err := m.engine.repo.ListExpiringPauses(ctx, horizon)
	if err != nil {
		return fmt.Errorf("list expiring pauses: %w", err)
	}

	var firstErr error
	for _, rec := range pauses {
		if !rec.Deadline.After(now) {
			err := m.engine.expirePause(ctx, rec)
			if err != nil && !errors.Is(err, ErrNoPendingPause) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if m.warn > 0 && rec.WarnedAt.IsZero() {
			if err := m.warnPause(ctx, rec, now); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// warnPause emits the pre-deadline warning once per record. The version
// CAS on UpdatePause makes a lost race (concurrent monitor, or a resume
// landing mid-sweep) a silent no-op.
func (m *Monitor) warnPause(ctx context.Context, rec *PauseRecord, now time.Time) error {
	rec.WarnedAt = now
	if err := m.engine.repo.UpdatePause(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	m.engine.emit(emit.Event{
		ExecutionID: rec.ExecutionID,
		NodeID:      rec.NodeID,
		Type:        emit.TimeoutWarning,
		Level:       emit.LevelWarn,
		Message:     fmt.Sprintf("⏳ pause at %s expires in %s", rec.NodeID, rec.Deadline.Sub(now).Round(time.Second)),
		Data:        map[string]any{"deadline": rec.Deadline},
		Milestone:   true,
	})
	return nil
}

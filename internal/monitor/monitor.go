// Package monitor fails generation jobs whose heartbeat stopped, so a crashed worker never
// leaves a capsule processing forever.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/store"
)

const (
	// DefaultThreshold is how long a non-terminal job may go without an update
	DefaultThreshold = 15 * time.Minute
	// DefaultInterval is how often Run sweeps
	DefaultInterval = time.Minute
)

// TimeoutMessage is the user-facing error recorded on timed-out jobs and capsules
const TimeoutMessage = "Generation timed out. Please retry."

// StaleJobTimeoutError describes one job failed by the sweep. It is logged, never returned to users.
type StaleJobTimeoutError struct {
	JobID     uuid.UUID
	Threshold time.Duration
}

func (e *StaleJobTimeoutError) Error() string {
	return fmt.Sprintf("job %s made no progress for over %s", e.JobID, e.Threshold)
}

// Config tunes the monitor
type Config struct {
	Threshold time.Duration
	Interval  time.Duration
}

// Monitor sweeps stale jobs
type Monitor struct {
	store store.Store
	cfg   Config
	now   store.Clock
	log   *observability.Logger
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock overrides the wall clock
func WithClock(c store.Clock) Option {
	return func(m *Monitor) { m.now = c }
}

// WithLogger sets the logger
func WithLogger(log *observability.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// New creates a Monitor. Zero config values take the defaults.
func New(st store.Store, cfg Config, opts ...Option) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{store: st, cfg: cfg, now: store.SystemClock, log: observability.NewNopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MarkStaleJobsFailed fails every non-terminal job not updated within the threshold and
// returns how many were failed. Jobs that advance concurrently are left alone.
func (m *Monitor) MarkStaleJobsFailed(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.Threshold)
	ids, err := m.store.MarkStaleJobsFailed(ctx, cutoff, TimeoutMessage)
	if err != nil {
		return 0, fmt.Errorf("stale job sweep failed: %w", err)
	}
	for _, id := range ids {
		m.log.Error("generation job timed out",
			"job_id", id,
			"error", &StaleJobTimeoutError{JobID: id, Threshold: m.cfg.Threshold},
		)
	}
	if len(ids) > 0 {
		m.log.Info("stale job sweep complete", "failed", len(ids), "cutoff", cutoff.Format(time.RFC3339))
	}
	return len(ids), nil
}

// Run sweeps immediately and then on every interval until ctx ends. Sweep errors are
// logged and do not stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("stale job monitor started",
		"threshold", m.cfg.Threshold.String(),
		"interval", m.cfg.Interval.String(),
	)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.MarkStaleJobsFailed(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("stale job sweep error", "error", err)
		}
		select {
		case <-ctx.Done():
			m.log.Info("stale job monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

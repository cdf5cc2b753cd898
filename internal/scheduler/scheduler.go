// Package scheduler runs automatic snapshots at a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ticketrelay/internal/archive"
	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/snapshot"
)

// DefaultInterval is the time between automatic snapshots.
const DefaultInterval = 3 * time.Hour

// Creator makes snapshots. *snapshot.Manager implements it.
type Creator interface {
	Create(ctx context.Context, kind archive.Kind) (snapshot.Handle, error)
}

// Notifier receives the outcome of each cycle. Implementations should not
// block for long; the next cycle waits for them.
type Notifier interface {
	BackupCreated(ctx context.Context, h snapshot.Handle) error
	BackupFailed(ctx context.Context, err error) error
}

// Scheduler fires one automatic snapshot per interval.
//
// Cycles run inline on the Run goroutine, so a slow cycle delays the next
// tick instead of overlapping it. Ticks that arrive while a cycle is still
// running are dropped by the ticker.
type Scheduler struct {
	creator  Creator
	notifier Notifier
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier forwards cycle outcomes to n.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithClock overrides the ticker source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTimeout bounds each cycle, notification included.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New creates a Scheduler. A non-positive interval means DefaultInterval.
func New(creator Creator, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		creator:  creator,
		interval: interval,
		timeout:  snapshot.DefaultTimeout,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run fires a cycle every interval until ctx is cancelled. The first cycle
// runs one interval after Run starts. Run always returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle and reports the outcome. Failures are logged
// and forwarded; they never stop the scheduler.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.creator.Create(ctx, archive.KindAuto)
	if err != nil {
		slog.Error("automatic snapshot failed", "error", err)
		s.notify(func() error { return s.notifier.BackupFailed(ctx, err) })
		return
	}
	slog.Debug("automatic snapshot done", "name", h.Name)
	s.notify(func() error { return s.notifier.BackupCreated(ctx, h) })
}

func (s *Scheduler) notify(fn func() error) {
	if s.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("snapshot notification failed", "error", fmt.Errorf("notify: %w", err))
	}
}

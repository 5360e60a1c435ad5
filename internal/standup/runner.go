package standup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/schedule"
)

// Runner calls fn whenever its schedule is due.
type Runner struct {
	fn       func(ctx context.Context)
	mu       sync.Mutex
	schedule *schedule.Schedule
	reloadCh chan struct{}
}

// NewRunner creates a runner. A nil schedule leaves it idle until
// UpdateSchedule sets one.
func NewRunner(s *schedule.Schedule, fn func(ctx context.Context)) *Runner {
	return &Runner{
		fn:       fn,
		schedule: s,
		reloadCh: make(chan struct{}, 1),
	}
}

// UpdateSchedule replaces the schedule and signals the run loop to
// recompute its next run.
func (r *Runner) UpdateSchedule(s *schedule.Schedule) {
	r.mu.Lock()
	r.schedule = s
	r.mu.Unlock()
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
}

func (r *Runner) Start(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	r.arm(timer)
	slog.Info("standup scheduler started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("standup scheduler stopped")
			return
		case <-r.reloadCh:
			timer.Stop()
			r.arm(timer)
			slog.Info("standup schedule reloaded")
		case <-timer.C:
			r.fn(ctx)
			r.arm(timer)
		}
	}
}

func (r *Runner) arm(timer *time.Timer) {
	r.mu.Lock()
	s := r.schedule
	r.mu.Unlock()
	if s == nil {
		return
	}
	next, ok := s.Next(time.Now())
	if !ok {
		return
	}
	timer.Reset(time.Until(next))
	slog.Debug("next standup", "at", next, "schedule", s.String())
}

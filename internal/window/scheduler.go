package window

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quotagate/quotagate/internal/logging"
)

// DefaultRollSchedule runs five minutes after the start of every month.
const DefaultRollSchedule = "5 0 1 * *"

// RollFunc rolls the monthly window of every tenant and returns how many were touched.
type RollFunc func(ctx context.Context) (int, error)

// Scheduler runs the window roll on a cron schedule in the reference timezone.
type Scheduler struct {
	cron    *cron.Cron
	roll    RollFunc
	logger  *logging.Logger
	timeout time.Duration
	ctx     context.Context
}

// NewScheduler validates the schedule and registers the roll job.
func NewScheduler(schedule string, loc *time.Location, roll RollFunc, logger *logging.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultRollSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.NewLogger()
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		roll:    roll,
		logger:  logger,
		timeout: 10 * time.Minute,
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid window roll schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())

	start := time.Now()
	n, err := s.roll(ctx)
	if err != nil {
		s.logger.ErrorWithContext(ctx, "window roll failed", "tenants", n, "error", err)
		return
	}
	s.logger.InfoWithContext(ctx, "window roll completed", "tenants", n, "duration_ms", time.Since(start).Milliseconds())
}

// Run starts the scheduler and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("window roll scheduler started", "next_run", s.Next().Format(time.RFC3339))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("window roll scheduler stopped")
	return nil
}

// Next returns the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now())
}

package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calwatch/internal/log"
)

// Scheduler triggers one cron job per endpoint. A job whose previous run is
// still going is skipped rather than queued.
type Scheduler struct {
	runner *Runner
	spec   string
	cron   *cron.Cron
}

// NewScheduler validates spec ("*/10 * * * *" or "@every 10m") and
// prepares a scheduler that evaluates it in loc.
func NewScheduler(r *Runner, spec string, loc *time.Location) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}

	logger := appLog.CronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{runner: r, spec: spec, cron: c}, nil
}

// Run registers the jobs, runs every endpoint once immediately and then
// blocks until ctx is done. Running jobs are waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, ep := range s.runner.Endpoints() {
		key := ep.Key
		if _, err := s.cron.AddFunc(s.spec, func() { s.runOne(ctx, key) }); err != nil {
			return fmt.Errorf("schedule %s: %w", key, err)
		}
	}

	appLog.Info("scheduler started", "schedule", s.spec, "endpoints", len(s.runner.Endpoints()))
	s.cron.Start()

	initial := make(chan struct{})
	go func() {
		defer close(initial)
		// Failures are already logged and recorded per endpoint.
		_ = s.runner.RunAll(ctx)
	}()

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	<-initial
	appLog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, key string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.RunEndpoint(ctx, key); errors.Is(err, ErrCycleInProgress) {
		appLog.Debug("cycle skipped; previous still running", "endpoint", key)
	}
}

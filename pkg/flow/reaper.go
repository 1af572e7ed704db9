package flow

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

// StaleExpirer moves login state records with no recent activity into
// the timed-out phase.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reaper periodically expires stale login flows so an abandoned
// redirect cannot be completed days later.
type Reaper struct {
	store    StaleExpirer
	logger   *observability.Logger
	maxIdle  time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

// NewReaper creates a reaper expiring flows idle longer than maxIdle,
// on the given cron schedule.
func NewReaper(store StaleExpirer, logger *observability.Logger, maxIdle time.Duration, schedule string) *Reaper {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	return &Reaper{
		store:    store,
		logger:   logger,
		maxIdle:  maxIdle,
		schedule: schedule,
		now:      time.Now,
	}
}

// Start schedules the reaper. Stops when ctx is done.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return err
	}
	r.cron.Start()

	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

// RunOnce performs a single expiry sweep.
func (r *Reaper) RunOnce(ctx context.Context) {
	cutoff := r.now().Add(-r.maxIdle)
	expired, err := r.store.ExpireStale(ctx, cutoff)
	if err != nil {
		r.logger.WithError(err).Error("stale login flow expiry failed")
		return
	}
	if expired > 0 {
		r.logger.WithField("expired", expired).Info("expired stale login flows")
	}
}

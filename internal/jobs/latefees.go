package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// LateFeeRefresher persists late fees of every sale with an open balance
type LateFeeRefresher interface {
	RefreshAllLateFees(ctx context.Context, asOf time.Time) (int, error)
}

// LateFeeJob runs the late-fee refresh on a cron schedule
type LateFeeJob struct {
	cron      *cron.Cron
	refresher LateFeeRefresher
	log       *logrus.Logger
	timeout   time.Duration
}

// NewLateFeeJob schedules refresher with a standard five-field cron spec.
// The job is not started until Start is called.
func NewLateFeeJob(spec string, refresher LateFeeRefresher, log *logrus.Logger) (*LateFeeJob, error) {
	j := &LateFeeJob{
		cron:      cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		refresher: refresher,
		log:       log,
		timeout:   10 * time.Minute,
	}
	if _, err := j.cron.AddFunc(spec, j.Run); err != nil {
		return nil, fmt.Errorf("invalid late fee schedule %q: %w", spec, err)
	}
	return j, nil
}

// Start runs the scheduler in its own goroutine
func (j *LateFeeJob) Start() {
	j.cron.Start()
	j.log.Infof("Late fee job scheduled, next run at %s", j.cron.Entries()[0].Next.Format(time.RFC3339))
}

// Stop halts the scheduler and waits for a running refresh to finish
func (j *LateFeeJob) Stop() {
	<-j.cron.Stop().Done()
}

// Run refreshes late fees as of today
func (j *LateFeeJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.refresher.RefreshAllLateFees(ctx, time.Now().UTC())
	entry := j.log.WithFields(logrus.Fields{
		"sales":       n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Late fee refresh finished with errors")
		return
	}
	entry.Info("Late fee refresh finished")
}

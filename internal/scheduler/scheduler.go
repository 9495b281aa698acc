// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. Overlapping runs of one job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := cronLogger{sugar: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add registers job under name. spec accepts five-field expressions and
// descriptors such as "@daily" or "@every 1h".
func (scheduler *Scheduler) Add(name string, spec string, job Job) error {
	_, err := scheduler.cron.AddFunc(spec, func() {
		started := time.Now()
		if err := job(scheduler.ctx); err != nil {
			scheduler.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			return
		}
		scheduler.logger.Info("scheduled job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	scheduler.logger.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to return.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	scheduler.ctx = ctx
	scheduler.cron.Start()
	<-ctx.Done()
	stopped := scheduler.cron.Stop()
	<-stopped.Done()
	return nil
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (adapter cronLogger) Info(msg string, keysAndValues ...interface{}) {
	adapter.sugar.Debugw(msg, keysAndValues...)
}

func (adapter cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	adapter.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

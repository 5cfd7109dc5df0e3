package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"semaphore/qrattendance/internal/config"
)

// Sweeper closes sessions whose end time has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// StartSweepJob schedules the expiry sweep. The returned cron is nil when the
// job is disabled; otherwise it is stopped once ctx is done.
func StartSweepJob(ctx context.Context, cfg config.Config, sweeper Sweeper, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.SweepJobEnabled {
		logger.Info("sweep job disabled")
		return nil, nil
	}
	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	timeout := cfg.SweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		runSweep(ctx, sweeper, timeout, logger)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	logger.Info("sweep job scheduled", zap.String("schedule", schedule))
	return c, nil
}

func runSweep(ctx context.Context, sweeper Sweeper, timeout time.Duration, logger *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	closed, err := sweeper.SweepExpired(tickCtx)
	if err != nil {
		logger.Warn("sweep job error", zap.Error(err), zap.Int("closed", closed))
		return
	}
	if closed > 0 {
		logger.Info("sweep job closed sessions", zap.Int("closed", closed))
	}
}

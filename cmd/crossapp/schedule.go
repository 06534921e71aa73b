package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/aesyros/align/internal/logging"
)

const pruneSchedule = "@every 1m"

type scheduledJobs struct {
	pruneLimiters func() int
	// refresh is nil when no resync schedule is configured.
	refresh func(ctx context.Context) error
}

// newScheduler registers the daemon's periodic maintenance. Jobs are skipped
// while a previous run of the same job is still going.
func newScheduler(ctx context.Context, resyncSpec string, jobs scheduledJobs, log *logging.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(pruneSchedule, func() {
		remaining := jobs.pruneLimiters()
		log.WithField("clients", remaining).Debug("pruned rate limiters")
	}); err != nil {
		return nil, fmt.Errorf("schedule limiter pruning: %w", err)
	}

	if resyncSpec != "" && jobs.refresh != nil {
		if _, err := c.AddFunc(resyncSpec, func() {
			if err := jobs.refresh(ctx); err != nil {
				log.WithError(err).Warn("scheduled resync failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule resync %q: %w", resyncSpec, err)
		}
	}
	return c, nil
}

// Package main provides the Spool janitor, the process that runs the
// periodic queue and retention sweeps.
package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spooldev/spool/pkg/eventbus"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/queue"
	"github.com/spooldev/spool/pkg/retention"
	"github.com/spooldev/spool/pkg/runs"
)

const (
	reclaimSchedule = "@every 30s"
	lostSchedule    = "@every 1m"
	wipeSchedule    = "@every 1h"
)

type Janitor struct {
	logger         *slog.Logger
	store          persistence.Store
	eventBus       eventbus.EventBus
	notifier       queue.Notifier
	claimTimeout   time.Duration
	maxRunDuration time.Duration
}

func NewJanitor(
	logger *slog.Logger,
	store persistence.Store,
	eventBus eventbus.EventBus,
	notifier queue.Notifier,
	claimTimeout time.Duration,
	maxRunDuration time.Duration,
) *Janitor {
	return &Janitor{
		logger:         logger,
		store:          store,
		eventBus:       eventBus,
		notifier:       notifier,
		claimTimeout:   claimTimeout,
		maxRunDuration: maxRunDuration,
	}
}

func (j *Janitor) Start(ctx context.Context) error {
	// The janitor never issues run tokens, so it carries no signing key.
	queueService := queue.NewService(j.store, nil, j.eventBus, j.notifier, j.logger)
	retentionEngine := retention.NewEngine(j.store, j.logger)
	runService := runs.NewService(j.store, retentionEngine, j.eventBus, queueService, j.logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	_, err := scheduler.AddFunc(reclaimSchedule, func() {
		count, err := queueService.ReclaimStalled(ctx, j.claimTimeout)
		if err != nil {
			j.logger.ErrorContext(ctx, "reclaim sweep failed", "error", err)

			return
		}

		if count > 0 {
			j.logger.InfoContext(ctx, "reclaim sweep finished", "reclaimed", count)
		}
	})
	if err != nil {
		return err
	}

	_, err = scheduler.AddFunc(lostSchedule, func() {
		count, err := runService.MarkLostRuns(ctx, j.maxRunDuration)
		if err != nil {
			j.logger.ErrorContext(ctx, "lost sweep failed", "error", err)

			return
		}

		if count > 0 {
			j.logger.InfoContext(ctx, "lost sweep finished", "marked", count)
		}
	})
	if err != nil {
		return err
	}

	_, err = scheduler.AddFunc(wipeSchedule, func() {
		count, err := retentionEngine.SweepWipes(ctx, time.Now().UTC())
		if err != nil {
			j.logger.ErrorContext(ctx, "wipe sweep failed", "error", err)

			return
		}

		if count > 0 {
			j.logger.InfoContext(ctx, "wipe sweep finished", "wiped", count)
		}
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	j.logger.InfoContext(ctx, "janitor sweeps scheduled",
		"claim_timeout", j.claimTimeout,
		"max_run_duration", j.maxRunDuration)

	<-ctx.Done()

	j.logger.Info("Shutting down janitor")
	<-scheduler.Stop().Done()

	return nil
}

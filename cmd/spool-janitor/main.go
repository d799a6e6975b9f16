package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/spooldev/spool/pkg/cmd"
	"github.com/spooldev/spool/pkg/log"
)

const (
	defaultClaimTimeout   = 30 * time.Second
	defaultMaxRunDuration = 10 * time.Minute
)

func main() {
	logger := log.WithModule("janitor")

	command := &cli.Command{
		Name:                  "spool-janitor",
		Usage:                 "Run periodic queue and retention sweeps",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for claim wakeups across processes",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "claim-timeout",
				Usage:   "How long a claim may sit without a start before it is reclaimed",
				Value:   defaultClaimTimeout,
				Sources: cli.EnvVars("CLAIM_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "max-run-duration",
				Usage:   "How long a started run may live before it is marked crashed",
				Value:   defaultMaxRunDuration,
				Sources: cli.EnvVars("MAX_RUN_DURATION"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Spool janitor")

			store, err := cmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "spool-janitor", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			notifier, err := cmd.NewNotifier(command.String("redis-url"), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := notifier.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close notifier", "error", err)
				}
			}()

			janitor := NewJanitor(
				logger,
				store,
				eventBus,
				notifier,
				command.Duration("claim-timeout"),
				command.Duration("max-run-duration"),
			)

			return janitor.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

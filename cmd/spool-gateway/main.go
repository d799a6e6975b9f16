package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/spooldev/spool/pkg/cmd"
	"github.com/spooldev/spool/pkg/log"
)

const defaultPort = 9092

func main() {
	logger := log.WithModule("gateway")

	command := &cli.Command{
		Name:                  "spool-gateway",
		Usage:                 "Serve the worker channel protocol",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to serve worker websocket channels on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "worker-secret",
				Usage:    "Shared secret for signing worker and run tokens",
				Required: true,
				Sources:  cli.EnvVars("WORKER_SECRET"),
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
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Spool gateway")

			store, err := cmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "spool-gateway", logger)
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

			gateway := NewGateway(
				logger,
				store,
				eventBus,
				notifier,
				[]byte(command.String("worker-secret")),
			)

			return gateway.Start(ctx, command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

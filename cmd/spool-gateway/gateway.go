// Package main provides the Spool worker gateway implementation.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spooldev/spool/pkg/channel"
	"github.com/spooldev/spool/pkg/credentials"
	"github.com/spooldev/spool/pkg/eventbus"
	"github.com/spooldev/spool/pkg/events"
	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/queue"
	"github.com/spooldev/spool/pkg/retention"
	"github.com/spooldev/spool/pkg/runs"
	"github.com/spooldev/spool/pkg/tokens"
	"github.com/spooldev/spool/pkg/tracer"
)

const shutdownTimeout = 10 * time.Second

type Gateway struct {
	logger       *slog.Logger
	store        persistence.Store
	eventBus     eventbus.EventBus
	notifier     queue.Notifier
	workerSecret []byte
}

func NewGateway(
	logger *slog.Logger,
	store persistence.Store,
	eventBus eventbus.EventBus,
	notifier queue.Notifier,
	workerSecret []byte,
) *Gateway {
	return &Gateway{
		logger:       logger,
		store:        store,
		eventBus:     eventBus,
		notifier:     notifier,
		workerSecret: workerSecret,
	}
}

func (g *Gateway) Start(ctx context.Context, port int) error {
	authority := tokens.NewAuthority(g.workerSecret)
	retentionEngine := retention.NewEngine(g.store, g.logger)

	queueService := queue.NewService(g.store, authority, g.eventBus, g.notifier, g.logger)

	// Park empty claims on availability announcements instead of bouncing
	// workers back onto their poll interval.
	err := queueService.Subscribe(ctx)
	if err != nil {
		return err
	}

	runService := runs.NewService(g.store, retentionEngine, g.eventBus, queueService, g.logger)
	materializer := credentials.NewMaterializer(g.store, g.logger)

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		trace, err := tracer.NewTracer(ctx, "spool-gateway")
		if err != nil {
			g.logger.ErrorContext(ctx, "Failed to initialize tracer", "error", err)
		} else {
			queueService.WithTracer(trace)
			runService.WithTracer(trace)
			materializer.WithTracer(trace)
		}
	}

	server := channel.NewServer(
		":"+strconv.Itoa(port),
		authority,
		queueService,
		runService,
		materializer,
		g.logger,
	)

	err = g.forwardCancellations(ctx, server)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	g.logger.Info("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Stop(shutdownCtx)
}

// forwardCancellations relays cancelled run events onto any open worker
// channel. The cancel API may run in another process; the event bus is the
// only path that reaches every gateway.
func (g *Gateway) forwardCancellations(ctx context.Context, server *channel.Server) error {
	return g.eventBus.Subscribe(ctx, events.Topic, func(ctx context.Context, event eventbus.Event) error {
		statusEvent, ok := event.(*events.RunStatusChanged)
		if !ok || statusEvent.State != models.RunStateCancelled {
			return nil
		}

		delivered := server.NotifyRunCancelled(statusEvent.RunID)
		if delivered {
			g.logger.InfoContext(ctx, "forwarded cancellation to worker",
				"run_id", statusEvent.RunID)
		}

		return nil
	})
}

// Package queue hands available runs to workers. The claim transition is the
// only place a run changes owner, and it relies on the store's atomic claim
// so two workers can never hold the same run.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spooldev/spool/pkg/eventbus"
	"github.com/spooldev/spool/pkg/events"
	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/protocol"
	"github.com/spooldev/spool/pkg/tokens"
	"github.com/spooldev/spool/pkg/tracer"
)

const (
	// DefaultRunTokenTTL must cover the longest plausible run execution;
	// the token authorizes the whole run channel session.
	DefaultRunTokenTTL = 2 * time.Hour

	// tokenSkew backdates nbf so slight clock drift between services does
	// not reject a token issued an instant ago.
	tokenSkew = 10 * time.Second

	// MaxDemand caps how many runs one claim request may take.
	MaxDemand = 50
)

type Service struct {
	store       persistence.Store
	authority   *tokens.Authority
	publisher   eventbus.EventPublisher
	notifier    Notifier
	logger      *slog.Logger
	tracer      trace.Tracer
	runTokenTTL time.Duration
	now         func() time.Time
	wake        <-chan struct{}
}

func NewService(
	store persistence.Store,
	authority *tokens.Authority,
	publisher eventbus.EventPublisher,
	notifier Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:       store,
		authority:   authority,
		publisher:   publisher,
		notifier:    notifier,
		logger:      logger.With("module", "queue"),
		runTokenTTL: DefaultRunTokenTTL,
		now:         time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now

	return s
}

// WithTracer enables claim spans.
func (s *Service) WithTracer(t trace.Tracer) *Service {
	s.tracer = t

	return s
}

// Claim moves up to demand runs from available to claimed and issues a run
// token for each. An empty queue yields an empty slice, not an error.
func (s *Service) Claim(ctx context.Context, demand int) ([]protocol.ClaimedRun, error) {
	if s.tracer != nil {
		var span trace.Span

		ctx, span = tracer.StartSpan(ctx, s.tracer, "queue.claim",
			attribute.Int("spool.claim.demand", demand))
		defer span.End()
	}

	if demand < 1 {
		demand = 1
	}

	if demand > MaxDemand {
		demand = MaxDemand
	}

	claimed := make([]protocol.ClaimedRun, 0, demand)

	for range demand {
		now := s.now().UTC()

		run, err := s.store.Runs().ClaimNext(ctx, now)
		if err != nil {
			if persistence.IsNoRunAvailable(err) {
				break
			}

			return claimed, fmt.Errorf("failed to claim run: %w", err)
		}

		token, err := s.authority.IssueRunToken(run.ID, now.Add(-tokenSkew), now.Add(s.runTokenTTL))
		if err != nil {
			return claimed, fmt.Errorf("failed to issue run token: %w", err)
		}

		s.logger.InfoContext(ctx, "run claimed", "run_id", run.ID, "work_order_id", run.WorkOrderID)
		s.publishStatus(ctx, run)

		claimed = append(claimed, protocol.ClaimedRun{ID: run.ID, Token: token})
	}

	return claimed, nil
}

// Subscribe hooks the service into availability announcements so ClaimWait
// can block on an empty queue instead of returning straight away. Without it
// ClaimWait degrades to Claim. The subscription lives until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}

	wake, err := s.notifier.Listen(ctx)
	if err != nil {
		return fmt.Errorf("failed to listen for available runs: %w", err)
	}

	s.wake = wake

	return nil
}

// ClaimWait claims like Claim, but an empty queue waits up to maxWait for an
// availability announcement and then tries once more. Workers keep a claim
// request in flight, so an announced run is handed over without waiting out
// the worker's poll interval.
func (s *Service) ClaimWait(ctx context.Context, demand int, maxWait time.Duration) ([]protocol.ClaimedRun, error) {
	claimed, err := s.Claim(ctx, demand)
	if err != nil || len(claimed) > 0 || s.wake == nil || maxWait <= 0 {
		return claimed, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return claimed, nil
	case <-s.wake:
		return s.Claim(ctx, demand)
	}
}

// Announce signals listening claim loops that new work exists.
func (s *Service) Announce(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	err := s.notifier.Announce(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to announce available run", "error", err)
	}
}

// ReclaimStalled returns runs whose claim never turned into a start back to
// available. The run state does not record the reclaim; the worker that
// claimed them is gone and another will pick them up.
func (s *Service) ReclaimStalled(ctx context.Context, claimTimeout time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-claimTimeout)

	ids, err := s.store.Runs().ReclaimStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stalled runs: %w", err)
	}

	for _, id := range ids {
		s.logger.InfoContext(ctx, "reclaimed stalled run", "run_id", id)
	}

	if len(ids) > 0 {
		s.Announce(ctx)
	}

	return len(ids), nil
}

func (s *Service) publishStatus(ctx context.Context, run *models.Run) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, events.Topic, events.RunStatusChanged{
		BaseEvent:   events.NewBaseEvent(events.RunStatusChangedEvent, ""),
		RunID:       run.ID,
		WorkOrderID: run.WorkOrderID,
		State:       run.State,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish run status", "run_id", run.ID, "error", err)
	}
}

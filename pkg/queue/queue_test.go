package queue_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence/memory"
	"github.com/spooldev/spool/pkg/protocol"
	"github.com/spooldev/spool/pkg/queue"
	"github.com/spooldev/spool/pkg/tokens"
)

func newService(t *testing.T) (*queue.Service, *memory.Store, *tokens.Authority) {
	t.Helper()

	store := memory.NewStore()
	authority := tokens.NewAuthority([]byte("test-signing-key"))
	service := queue.NewService(store, authority, nil, queue.NewLocalNotifier(), slog.New(slog.DiscardHandler))

	return service, store, authority
}

func seedAvailableRuns(t *testing.T, store *memory.Store, count int) []string {
	t.Helper()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	ids := make([]string, 0, count)

	for i := range count {
		workOrderID := uuid.New().String()
		require.NoError(t, store.WorkOrders().Create(ctx, &models.WorkOrder{
			ID:         workOrderID,
			WorkflowID: "wf-1",
			State:      models.WorkOrderStatePending,
			CreatedAt:  base,
			UpdatedAt:  base,
		}))

		run := &models.Run{
			ID:             uuid.New().String(),
			WorkOrderID:    workOrderID,
			StartingNodeID: "trigger-1",
			State:          models.RunStateAvailable,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Runs().Create(ctx, run))
		ids = append(ids, run.ID)
	}

	return ids
}

func TestClaim_IssuesVerifiableRunTokens(t *testing.T) {
	service, store, authority := newService(t)
	ids := seedAvailableRuns(t, store, 1)

	claimed, err := service.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[0], claimed[0].ID)

	require.NoError(t, authority.VerifyRunToken(claimed[0].Token, claimed[0].ID))
	assert.Error(t, authority.VerifyRunToken(claimed[0].Token, "some-other-run"))

	stored, err := store.Runs().GetByID(context.Background(), claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateClaimed, stored.State)
	require.NotNil(t, stored.ClaimedAt)
}

func TestClaim_HonorsDemandAndStopsOnEmptyQueue(t *testing.T) {
	service, store, _ := newService(t)
	ids := seedAvailableRuns(t, store, 3)

	claimed, err := service.Claim(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Oldest first.
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)

	// Demand above what is queued drains the queue without error.
	claimed, err = service.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[2], claimed[0].ID)

	claimed, err = service.Claim(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReclaimStalled(t *testing.T) {
	service, store, _ := newService(t)
	seedAvailableRuns(t, store, 1)

	claimed, err := service.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Fresh claims are left alone.
	count, err := service.ReclaimStalled(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = service.ReclaimStalled(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := store.Runs().GetByID(context.Background(), claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateAvailable, stored.State)
	assert.Nil(t, stored.ClaimedAt)

	// The run can be claimed again after the reclaim.
	reclaimed, err := service.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ID, reclaimed[0].ID)
}

func TestClaimWait_WokenByAnnounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, store, _ := newService(t)
	require.NoError(t, service.Subscribe(ctx))

	type result struct {
		claimed []protocol.ClaimedRun
		err     error
	}

	done := make(chan result, 1)

	go func() {
		claimed, err := service.ClaimWait(ctx, 1, 5*time.Second)
		done <- result{claimed, err}
	}()

	// Give the claim time to find the queue empty and park.
	time.Sleep(50 * time.Millisecond)

	ids := seedAvailableRuns(t, store, 1)
	service.Announce(ctx)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Len(t, res.claimed, 1)
		assert.Equal(t, ids[0], res.claimed[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("claim never woke after announce")
	}
}

func TestClaimWait_TimesOutOnSilence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _, _ := newService(t)
	require.NoError(t, service.Subscribe(ctx))

	claimed, err := service.ClaimWait(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimWait_WithoutSubscriptionReturnsImmediately(t *testing.T) {
	service, _, _ := newService(t)

	claimed, err := service.ClaimWait(context.Background(), 1, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestLocalNotifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := queue.NewLocalNotifier()

	wake, err := notifier.Listen(ctx)
	require.NoError(t, err)

	require.NoError(t, notifier.Announce(ctx))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected a wakeup after announce")
	}

	// Repeated announcements with no listener draining never block.
	for range 10 {
		require.NoError(t, notifier.Announce(ctx))
	}
}

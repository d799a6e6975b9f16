package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/persistence/postgres"
)

func setupTestStore(t *testing.T) (*postgres.Store, context.Context, string) {
	t.Helper()

	if os.Getenv("SPOOL_INTEGRATION_TESTS") == "" {
		t.Skip("set SPOOL_INTEGRATION_TESTS=1 to run PostgreSQL integration tests (requires Docker)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("spool_test"),
		tcpostgres.WithUsername("spool"),
		tcpostgres.WithPassword("spool"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgres.NewStore(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close(ctx))
		require.NoError(t, container.Terminate(ctx))
		cancel()
	})

	return store, ctx, databaseURL
}

// seedRun inserts the graph a run hangs off: project, workflow, work order.
// Projects and workflows are read-only to the orchestrator, so seeding goes
// through a raw connection.
func seedRun(t *testing.T, ctx context.Context, store *postgres.Store, databaseURL string) *models.Run {
	t.Helper()

	now := time.Now().UTC()
	projectID := uuid.New().String()
	workflowID := uuid.New().String()
	triggerID := uuid.New().String()
	workOrderID := uuid.New().String()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	_, err = db.ExecContext(ctx,
		"INSERT INTO projects (id, name) VALUES ($1, $2)", projectID, "test project")
	require.NoError(t, err)

	triggers, err := json.Marshal([]*models.Trigger{{ID: triggerID, Type: models.TriggerTypeWebhook, Enabled: true}})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		"INSERT INTO workflows (id, project_id, name, triggers) VALUES ($1, $2, $3, $4)",
		workflowID, projectID, "test workflow", triggers)
	require.NoError(t, err)

	workOrder := &models.WorkOrder{
		ID:         workOrderID,
		WorkflowID: workflowID,
		TriggerID:  &triggerID,
		State:      models.WorkOrderStateRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.WorkOrders().Create(ctx, workOrder))

	run := &models.Run{
		ID:             uuid.New().String(),
		WorkOrderID:    workOrderID,
		StartingNodeID: triggerID,
		State:          models.RunStateAvailable,
		CreatedAt:      now,
	}
	require.NoError(t, store.Runs().Create(ctx, run))

	return run
}

func TestIntegration_ClaimIsExclusive(t *testing.T) {
	store, ctx, databaseURL := setupTestStore(t)
	run := seedRun(t, ctx, store, databaseURL)

	const claimants = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		empty   int
	)

	for range claimants {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := store.Runs().ClaimNext(ctx, time.Now().UTC())

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				claimed++
			case persistence.IsNoRunAvailable(err):
				empty++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Equal(t, claimants-1, empty)

	stored, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateClaimed, stored.State)
}

func TestIntegration_CompleteRacesLoseWithStateConflict(t *testing.T) {
	store, ctx, databaseURL := setupTestStore(t)
	run := seedRun(t, ctx, store, databaseURL)
	now := time.Now().UTC()

	claimed, err := store.Runs().ClaimNext(ctx, now)
	require.NoError(t, err)
	require.NoError(t, store.Runs().Start(ctx, claimed.ID, now))

	finished := *claimed
	require.NoError(t, finished.Claim(now))
	require.NoError(t, finished.Start(now))
	require.NoError(t, finished.Complete("success", nil, nil, now))

	require.NoError(t, store.Runs().Finish(ctx, &finished, models.RunStateStarted))
	assert.ErrorIs(t,
		store.Runs().Finish(ctx, &finished, models.RunStateStarted),
		persistence.ErrStateConflict)

	stored, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSuccess, stored.State)
	require.NotNil(t, stored.ExitReason)
	assert.Equal(t, "success", *stored.ExitReason)
}

func TestIntegration_LogLineMicrosecondPrecision(t *testing.T) {
	store, ctx, databaseURL := setupTestStore(t)
	run := seedRun(t, ctx, store, databaseURL)

	timestamp := time.UnixMicro(1699444653874083).UTC()

	require.NoError(t, store.LogLines().Append(ctx, &models.LogLine{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Level:     "info",
		Source:    "R/T",
		Message:   "starting run",
		Timestamp: timestamp,
	}))

	lines, err := store.LogLines().ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Timestamp.Equal(timestamp),
		"got %s want %s", lines[0].Timestamp, timestamp)
}

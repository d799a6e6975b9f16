// Package retention applies project retention policies at the points where
// step payloads would otherwise be persisted.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

type Engine struct {
	store  persistence.Store
	logger *slog.Logger
}

func NewEngine(store persistence.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With("module", "retention"),
	}
}

// StepInputRef decides which input dataclip reference the step record keeps.
// Under erase_all the worker still receives the payload once, but the step
// row never references it.
func (e *Engine) StepInputRef(policy models.RetentionPolicy, dataclipID *string) *string {
	if policy == models.RetentionPolicyEraseAll {
		return nil
	}

	return dataclipID
}

// PersistStepOutput stores a worker-supplied output payload according to the
// project policy. Under retain_all a dataclip row is created with the exact
// bytes the worker sent and its id is returned. Under erase_all the payload
// is accepted and discarded, and the returned reference is nil.
func (e *Engine) PersistStepOutput(
	ctx context.Context,
	policy models.RetentionPolicy,
	projectID string,
	dataclipID *string,
	payload json.RawMessage,
	now time.Time,
) (*string, error) {
	if policy == models.RetentionPolicyEraseAll {
		return nil, nil
	}

	if payload == nil {
		return nil, nil
	}

	id := uuid.New().String()
	if dataclipID != nil && *dataclipID != "" {
		id = *dataclipID
	}

	clip := &models.Dataclip{
		ID:        id,
		ProjectID: projectID,
		Type:      models.DataclipTypeStepResult,
		Body:      payload,
		CreatedAt: now,
	}

	err := e.store.Dataclips().Create(ctx, clip)
	if err != nil {
		return nil, fmt.Errorf("failed to persist output dataclip: %w", err)
	}

	return &id, nil
}

// SweepWipes erases dataclip payloads for every erase_all project. Projects
// can switch policy after data was written, so the sweep catches rows that
// predate the switch. Wiping is idempotent and never removes rows.
func (e *Engine) SweepWipes(ctx context.Context, now time.Time) (int, error) {
	projects, err := e.store.Projects().ListByRetentionPolicy(ctx, models.RetentionPolicyEraseAll)
	if err != nil {
		return 0, fmt.Errorf("failed to list erase_all projects: %w", err)
	}

	wiped := 0

	for _, project := range projects {
		count, err := e.store.Dataclips().WipeForProject(ctx, project.ID, now)
		if err != nil {
			return wiped, fmt.Errorf("failed to wipe dataclips for project %s: %w", project.ID, err)
		}

		if count > 0 {
			e.logger.InfoContext(ctx, "wiped dataclip payloads",
				"project_id", project.ID,
				"count", count)
		}

		wiped += count
	}

	return wiped, nil
}

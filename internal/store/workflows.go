package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/orkestra/internal/models"
)

// SaveWorkflowPlan persists a freshly planned workflow together with all of
// its tasks in one transaction, so a failed write leaves nothing behind.
func (s *Store) SaveWorkflowPlan(ctx context.Context, w models.Workflow, tasks []models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := putRecord(ctx, tx, Key(w.EntityType(), w.ID), w); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := putRecord(ctx, tx, Key(t.EntityType(), t.ID), t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow plan: %w", err)
	}
	return nil
}

func (s *Store) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	return s.Put(ctx, Key(w.EntityType(), w.ID), w)
}

func (s *Store) SaveTask(ctx context.Context, t models.Task) error {
	return s.Put(ctx, Key(t.EntityType(), t.ID), t)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w models.Workflow
	ok, err := s.Get(ctx, Key("workflow", id), &w)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	ok, err := s.Get(ctx, Key("task", id), &t)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	raw, err := s.ListByType(ctx, "workflow")
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return decodeAll[models.Workflow](raw)
}

func (s *Store) ListWorkflowsByState(ctx context.Context, states ...models.WorkflowState) ([]models.Workflow, error) {
	var out []models.Workflow
	for _, st := range states {
		raw, err := s.ListByStatus(ctx, "workflow", string(st))
		if err != nil {
			return nil, fmt.Errorf("list workflows by state: %w", err)
		}
		ws, err := decodeAll[models.Workflow](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ws...)
	}
	return out, nil
}

func (s *Store) ListWorkflowTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	raw, err := s.ListByParent(ctx, "task", workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow tasks: %w", err)
	}
	return decodeAll[models.Task](raw)
}

func decodeAll[T any](raw []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

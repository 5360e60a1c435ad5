package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/mtzanidakis/orkestra/internal/report"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// ErrNotFinished is returned when a final report is requested for a
// workflow that is still running.
var ErrNotFinished = errors.New("workflow has not finished")

// Status is a read-only snapshot of one workflow.
type Status struct {
	Workflow models.Workflow `json:"workflow"`
	Tasks    []models.Task   `json:"tasks"`
	// Stalled lists tasks that keep waiting for a free agent.
	Stalled []string `json:"stalled,omitempty"`
	// PartialReport is set while the workflow is running.
	PartialReport string `json:"partial_report,omitempty"`
}

// SubmitTask classifies a free-text task, plans its workflow and starts
// it. Nothing is persisted when classification or planning fails.
func (e *Engine) SubmitTask(ctx context.Context, description string, priority models.Priority) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", fmt.Errorf("%w: description is required", models.ErrValidation)
	}
	if priority == 0 {
		priority = models.PriorityMedium
	}
	if priority < models.PriorityLow || priority > models.PriorityUrgent {
		return "", fmt.Errorf("%w: invalid priority %d", models.ErrValidation, priority)
	}

	capabilities, err := e.classifier.Classify(description)
	if err != nil {
		return "", err
	}
	plan, err := e.planner.Plan(description, capabilities, priority)
	if err != nil {
		return "", err
	}
	return e.launch(ctx, plan)
}

// SubmitWorkflow starts a user-defined workflow.
func (e *Engine) SubmitWorkflow(ctx context.Context, def *planner.Definition) (string, error) {
	plan, err := e.planner.PlanCustom(def)
	if err != nil {
		return "", err
	}
	return e.launch(ctx, plan)
}

// Preview classifies and plans a task without starting it.
func (e *Engine) Preview(description string, priority models.Priority) (*planner.Plan, error) {
	if priority == 0 {
		priority = models.PriorityMedium
	}
	capabilities, err := e.classifier.Classify(description)
	if err != nil {
		return nil, err
	}
	return e.planner.Plan(description, capabilities, priority)
}

func (e *Engine) launch(ctx context.Context, plan *planner.Plan) (string, error) {
	if err := e.tracker.Add(ctx, plan.Workflow, plan.Tasks); err != nil {
		return "", fmt.Errorf("track workflow: %w", err)
	}
	e.dispatcher.Schedule(plan.Workflow.ID)

	slog.Info("workflow submitted",
		"workflow", plan.Workflow.ID,
		"capabilities", plan.Workflow.Capabilities,
		"tasks", len(plan.Tasks),
		"priority", plan.Workflow.Priority.String(),
	)
	return plan.Workflow.ID, nil
}

// GetWorkflowStatus returns the current state of a workflow, from memory
// while it runs and from the store once it finished.
func (e *Engine) GetWorkflowStatus(ctx context.Context, id string) (*Status, error) {
	w, tasks, ok := e.tracker.Snapshot(id)
	if !ok {
		stored, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, id)
		}
		w = *stored
		if tasks, err = e.store.ListWorkflowTasks(ctx, id); err != nil {
			return nil, err
		}
	}

	st := &Status{Workflow: w, Tasks: tasks}
	if !w.State.Terminal() {
		stalled := e.dispatcher.Stalled()
		for _, t := range tasks {
			if slices.Contains(stalled, t.ID) {
				st.Stalled = append(st.Stalled, t.ID)
			}
		}
		st.PartialReport = string(report.Partial(w, tasks).Markdown())
	}
	return st, nil
}

// CancelWorkflow cancels every unfinished task of the workflow. Cancelling
// a finished workflow returns its final state.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) (models.WorkflowState, error) {
	state, err := e.dispatcher.Cancel(id)
	if err == nil {
		slog.Info("workflow cancel requested", "workflow", id, "state", state)
		return state, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", err
	}

	w, serr := e.store.GetWorkflow(ctx, id)
	if serr != nil {
		return "", serr
	}
	if w == nil || !w.State.Terminal() {
		return "", err
	}
	return w.State, nil
}

// Report returns the final report of a finished workflow.
func (e *Engine) Report(ctx context.Context, id string) (*store.StoredReport, error) {
	r, err := e.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}

	if w, tasks, ok := e.tracker.Snapshot(id); ok {
		if !w.State.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrNotFinished, id)
		}
		// Finished, report not saved yet.
		_, stored, err := renderReport(w, tasks)
		return stored, err
	}
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, id)
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, id, w.State)
}

// ListWorkflows returns every stored workflow, newest first.
func (e *Engine) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// StatusText renders a workflow status for chat.
func (e *Engine) StatusText(ctx context.Context, id string) (string, error) {
	st, err := e.GetWorkflowStatus(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s: %s\n", st.Workflow.ID, st.Workflow.State)
	for _, t := range st.Tasks {
		fmt.Fprintf(&b, "- %s: %s", t.Title, t.State)
		if t.ErrorKind != "" {
			fmt.Fprintf(&b, " (%s)", t.ErrorKind)
		}
		if t.Attempts > 1 {
			fmt.Fprintf(&b, " after %d attempts", t.Attempts)
		}
		b.WriteString("\n")
	}
	if len(st.Stalled) > 0 {
		fmt.Fprintf(&b, "%d task(s) waiting for a free agent\n", len(st.Stalled))
	}
	return b.String(), nil
}

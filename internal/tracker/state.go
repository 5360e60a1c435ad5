package tracker

import "github.com/mtzanidakis/orkestra/internal/models"

var transitions = map[models.TaskState][]models.TaskState{
	models.TaskPending:    {models.TaskAssigned, models.TaskFailed, models.TaskCancelled},
	models.TaskAssigned:   {models.TaskInProgress, models.TaskCompleted, models.TaskFailed, models.TaskPending, models.TaskCancelled},
	models.TaskInProgress: {models.TaskCompleted, models.TaskFailed, models.TaskPending, models.TaskCancelled},
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to models.TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeriveState computes the workflow state from its tasks. It is the only
// source of workflow state.
func DeriveState(w models.Workflow, tasks []models.Task) models.WorkflowState {
	if len(tasks) == 0 {
		if w.CancelRequested {
			return models.WorkflowCancelled
		}
		return models.WorkflowPending
	}

	var completed, terminal int
	started := false
	completedAfterCancel := false
	for _, t := range tasks {
		if t.State == models.TaskCompleted {
			completed++
			if w.CancelledAt != nil && t.CompletedAt != nil && t.CompletedAt.After(*w.CancelledAt) {
				completedAfterCancel = true
			}
		}
		if t.State.Terminal() {
			terminal++
		}
		if t.State != models.TaskPending || t.Attempts > 0 {
			started = true
		}
	}

	if terminal < len(tasks) {
		if started {
			return models.WorkflowRunning
		}
		return models.WorkflowPending
	}

	switch {
	case completed == len(tasks):
		return models.WorkflowCompleted
	case w.CancelRequested && !completedAfterCancel:
		return models.WorkflowCancelled
	default:
		// Failed tasks, or dependants cancelled because of them.
		return models.WorkflowPartiallyFailed
	}
}

package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Held names an agent that held a task when its workflow was cancelled.
type Held struct {
	TaskID  string
	AgentID string
}

// Tracker owns task and workflow state for live workflows. Every
// transition is persisted and published before the call returns. Store
// writes happen outside mu so readers never wait on the database.
type Tracker struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	tasks     map[string]*models.Task
	order     map[string][]string // workflow id -> task ids in plan order
	writes    []write             // queued under mu, drained by flush

	flushMu sync.Mutex

	policy  RetryPolicy
	timeout time.Duration
	store   *store.Store
	events  natsbus.Emitter
	now     func() time.Time
}

// New creates a tracker. A nil store keeps state in memory only; a nil
// emitter drops events.
func New(policy RetryPolicy, taskTimeout time.Duration, s *store.Store, events natsbus.Emitter) *Tracker {
	if events == nil {
		events = natsbus.Discard
	}
	return &Tracker{
		workflows: make(map[string]*models.Workflow),
		tasks:     make(map[string]*models.Task),
		order:     make(map[string][]string),
		policy:    policy,
		timeout:   taskTimeout,
		store:     s,
		events:    events,
		now:       time.Now,
	}
}

func (t *Tracker) Policy() RetryPolicy {
	return t.policy
}

// Add persists a freshly planned workflow with its tasks and starts
// tracking it. Nothing is tracked when persistence fails.
func (t *Tracker) Add(ctx context.Context, w *models.Workflow, tasks []*models.Task) error {
	wc := w.Clone()
	tcs := make([]models.Task, len(tasks))
	for i, task := range tasks {
		tcs[i] = task.Clone()
	}
	wc.State = DeriveState(wc, tcs)

	t.mu.Lock()
	_, dup := t.workflows[wc.ID]
	t.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: workflow %s", models.ErrDuplicateID, wc.ID)
	}

	if t.store != nil {
		if err := t.store.SaveWorkflowPlan(ctx, wc, tcs); err != nil {
			return fmt.Errorf("persist workflow: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.workflows[wc.ID]; ok {
		return fmt.Errorf("%w: workflow %s", models.ErrDuplicateID, wc.ID)
	}
	t.insertLocked(wc, tcs)
	t.events.Emit(natsbus.TopicEventsWorkflow(string(wc.State)), "workflow_created", map[string]any{
		"workflow_id": wc.ID,
		"tasks":       len(tcs),
		"priority":    wc.Priority.String(),
	})
	return nil
}

// Restore resumes tracking a persisted workflow after a restart. Tasks that
// were held by an agent go back to Pending since no agent survives a
// restart.
func (t *Tracker) Restore(w models.Workflow, tasks []models.Task) {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	wc := w.Clone()
	tcs := make([]models.Task, len(tasks))
	for i, task := range tasks {
		tcs[i] = task.Clone()
	}
	t.insertLocked(wc, tcs)

	for _, id := range t.order[wc.ID] {
		task := t.tasks[id]
		if task.State == models.TaskAssigned || task.State == models.TaskInProgress {
			task.State = models.TaskPending
			task.AgentID = ""
			task.Deadline = nil
			task.UpdatedAt = t.now()
			t.persistTaskLocked(task)
		}
	}
	t.refreshLocked(wc.ID)
}

// Remove stops tracking a workflow. Its records stay in the store.
func (t *Tracker) Remove(workflowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.order[workflowID] {
		delete(t.tasks, id)
	}
	delete(t.order, workflowID)
	delete(t.workflows, workflowID)
}

// Assign moves a Pending task to Assigned, counts the attempt and sets the
// task deadline.
func (t *Tracker) Assign(taskID, agentID string) (models.Task, error) {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.transitionLocked(taskID, models.TaskAssigned)
	if err != nil {
		return models.Task{}, err
	}
	now := t.now()
	task.AgentID = agentID
	task.Attempts++
	if t.timeout > 0 {
		deadline := now.Add(t.timeout)
		task.Deadline = &deadline
	}
	t.commitLocked(task)
	return task.Clone(), nil
}

// Start records the agent's acknowledgment. Acks from an agent that no
// longer holds the task are rejected.
func (t *Tracker) Start(taskID, agentID string) error {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}
	if task.AgentID != agentID {
		return fmt.Errorf("%w: task %s is not held by %s", models.ErrInvalidTransition, taskID, agentID)
	}
	if _, err := t.transitionLocked(taskID, models.TaskInProgress); err != nil {
		return err
	}
	t.commitLocked(task)
	return nil
}

func (t *Tracker) Complete(taskID, output string) error {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.transitionLocked(taskID, models.TaskCompleted)
	if err != nil {
		return err
	}
	now := t.now()
	task.Output = output
	task.ErrorKind = ""
	task.Error = ""
	task.Deadline = nil
	task.CompletedAt = &now
	t.commitLocked(task)
	return nil
}

// Fail records a failed attempt. While attempts remain the task returns to
// Pending and the caller should requeue it after delay; otherwise the task
// is terminal Failed.
func (t *Tracker) Fail(taskID string, cause error) (retry bool, delay time.Duration, err error) {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return false, 0, fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}
	if task.State != models.TaskAssigned && task.State != models.TaskInProgress {
		return false, 0, fmt.Errorf("%w: fail task %s from %s", models.ErrInvalidTransition, taskID, task.State)
	}

	task.ErrorKind = models.ErrorKind(cause)
	task.Error = cause.Error()
	task.Deadline = nil

	if t.policy.Retryable(task.Attempts) {
		task.State = models.TaskPending
		task.AgentID = ""
		t.commitLocked(task)
		return true, t.policy.Delay(task.Attempts), nil
	}

	task.State = models.TaskFailed
	t.commitLocked(task)
	return false, 0, nil
}

// Unassign returns a held task to Pending without consuming an attempt.
// Used when the assignment never reached the agent.
func (t *Tracker) Unassign(taskID string) error {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.transitionLocked(taskID, models.TaskPending)
	if err != nil {
		return err
	}
	task.AgentID = ""
	task.Deadline = nil
	if task.Attempts > 0 {
		task.Attempts--
	}
	t.commitLocked(task)
	return nil
}

// FailTerminal fails a Pending task without retry, e.g. when no registered
// agent has its capability.
func (t *Tracker) FailTerminal(taskID string, cause error) error {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.transitionLocked(taskID, models.TaskFailed)
	if err != nil {
		return err
	}
	task.ErrorKind = models.ErrorKind(cause)
	task.Error = cause.Error()
	task.AgentID = ""
	task.Deadline = nil
	t.commitLocked(task)
	return nil
}

// Cancel moves a non-terminal task to Cancelled with the given error kind.
func (t *Tracker) Cancel(taskID, kind string) error {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.transitionLocked(taskID, models.TaskCancelled)
	if err != nil {
		return err
	}
	task.ErrorKind = kind
	task.Deadline = nil
	t.commitLocked(task)
	return nil
}

// CancelWorkflow marks the workflow cancel-requested and cancels every
// non-terminal task. It returns the agents that held tasks so the caller
// can notify and release them. Cancelling a terminal workflow is a no-op.
func (t *Tracker) CancelWorkflow(workflowID string) ([]Held, models.WorkflowState, error) {
	defer t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workflows[workflowID]
	if !ok {
		return nil, "", fmt.Errorf("%w: workflow %s", models.ErrNotFound, workflowID)
	}
	if w.State.Terminal() {
		return nil, w.State, nil
	}

	if !w.CancelRequested {
		now := t.now()
		w.CancelRequested = true
		w.CancelledAt = &now
	}

	var held []Held
	for _, id := range t.order[workflowID] {
		task := t.tasks[id]
		if task.State.Terminal() {
			continue
		}
		if task.AgentID != "" {
			held = append(held, Held{TaskID: task.ID, AgentID: task.AgentID})
		}
		task.State = models.TaskCancelled
		task.ErrorKind = models.KindCancelled
		task.Deadline = nil
		task.UpdatedAt = t.now()
		t.persistTaskLocked(task)
		t.emitTaskLocked(task)
	}

	state := t.refreshLocked(workflowID)
	// refreshLocked only saves on a state change; the cancel flag must be
	// stored either way.
	t.persistWorkflowLocked(w)
	return held, state, nil
}

func (t *Tracker) Task(id string) (models.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return task.Clone(), true
}

// Tasks returns the workflow's tasks in plan order.
func (t *Tracker) Tasks(workflowID string) []models.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasksLocked(workflowID)
}

func (t *Tracker) Workflow(id string) (models.Workflow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workflows[id]
	if !ok {
		return models.Workflow{}, false
	}
	return w.Clone(), true
}

// Snapshot returns the workflow and its tasks under one lock.
func (t *Tracker) Snapshot(id string) (models.Workflow, []models.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workflows[id]
	if !ok {
		return models.Workflow{}, nil, false
	}
	return w.Clone(), t.tasksLocked(id), true
}

func (t *Tracker) State(id string) (models.WorkflowState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workflows[id]
	if !ok {
		return "", false
	}
	return w.State, true
}

// Active returns the ids of tracked workflows that are not terminal.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, w := range t.workflows {
		if !w.State.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Tracker) insertLocked(w models.Workflow, tasks []models.Task) {
	t.workflows[w.ID] = &w
	ids := make([]string, 0, len(tasks))
	for i := range tasks {
		task := tasks[i]
		t.tasks[task.ID] = &task
		ids = append(ids, task.ID)
	}
	t.order[w.ID] = ids
}

func (t *Tracker) tasksLocked(workflowID string) []models.Task {
	ids := t.order[workflowID]
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.tasks[id].Clone())
	}
	return out
}

// transitionLocked validates and applies a state change. The caller fills
// in the remaining fields and calls commitLocked.
func (t *Tracker) transitionLocked(taskID string, to models.TaskState) (*models.Task, error) {
	task, ok := t.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}
	if !CanTransition(task.State, to) {
		return nil, fmt.Errorf("%w: task %s %s -> %s", models.ErrInvalidTransition, taskID, task.State, to)
	}
	task.State = to
	return task, nil
}

func (t *Tracker) commitLocked(task *models.Task) {
	task.UpdatedAt = t.now()
	t.persistTaskLocked(task)
	t.emitTaskLocked(task)
	t.refreshLocked(task.WorkflowID)
}

// write is a queued store update: a task or a workflow.
type write struct {
	task     *models.Task
	workflow *models.Workflow
}

func (t *Tracker) persistTaskLocked(task *models.Task) {
	if t.store == nil {
		return
	}
	c := task.Clone()
	t.writes = append(t.writes, write{task: &c})
}

func (t *Tracker) persistWorkflowLocked(w *models.Workflow) {
	if t.store == nil {
		return
	}
	c := w.Clone()
	t.writes = append(t.writes, write{workflow: &c})
}

// flush writes queued updates in the order they were queued. It runs
// after mu is released; flushMu keeps concurrent flushes from reordering
// writes and makes a caller wait until its own writes are stored.
func (t *Tracker) flush() {
	if t.store == nil {
		return
	}
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.writes
	t.writes = nil
	t.mu.Unlock()

	ctx := context.Background()
	for _, w := range batch {
		if w.task != nil {
			if err := t.store.SaveTask(ctx, *w.task); err != nil {
				slog.Error("persist task failed", "task", w.task.ID, "state", w.task.State, "error", err)
			}
			continue
		}
		if err := t.store.SaveWorkflow(ctx, *w.workflow); err != nil {
			slog.Error("persist workflow failed", "workflow", w.workflow.ID, "error", err)
		}
	}
}

func (t *Tracker) emitTaskLocked(task *models.Task) {
	t.events.Emit(natsbus.TopicEventsTask(string(task.State)), "task_"+string(task.State), map[string]any{
		"task_id":     task.ID,
		"workflow_id": task.WorkflowID,
		"title":       task.Title,
		"capability":  task.Capability,
		"agent_id":    task.AgentID,
		"attempts":    task.Attempts,
		"error_kind":  task.ErrorKind,
	})
}

// refreshLocked re-derives the workflow state and persists and publishes
// it when it changed.
func (t *Tracker) refreshLocked(workflowID string) models.WorkflowState {
	w, ok := t.workflows[workflowID]
	if !ok {
		return ""
	}
	state := DeriveState(*w, t.tasksLocked(workflowID))
	if state == w.State {
		return state
	}

	prev := w.State
	w.State = state
	w.UpdatedAt = t.now()
	t.persistWorkflowLocked(w)
	slog.Info("workflow state changed", "workflow", w.ID, "from", prev, "to", state)
	t.events.Emit(natsbus.TopicEventsWorkflow(string(state)), "workflow_"+string(state), map[string]any{
		"workflow_id": w.ID,
		"from":        string(prev),
	})
	return state
}

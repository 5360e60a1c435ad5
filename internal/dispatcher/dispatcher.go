package dispatcher

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/registry"
	"github.com/mtzanidakis/orkestra/internal/tracker"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	MaxWorkers      int
	CapacityRetries int
	CapacityBackoff time.Duration
}

// TerminalFunc is called once when a workflow reaches a terminal state.
type TerminalFunc func(workflowID string, state models.WorkflowState)

type outcome struct {
	output     string
	err        error
	cancelled  bool
	deadLetter bool
}

// flight is an assignment waiting for its agent's result.
type flight struct {
	agentID string
	attempt int
	done    chan outcome
}

func (f *flight) resolve(o outcome) {
	select {
	case f.done <- o:
	default:
	}
}

// Dispatcher moves ready tasks to agents. A task is in the dispatcher's
// custody from the moment it is enqueued until its attempt is settled;
// custody prevents the same task from being queued twice.
type Dispatcher struct {
	tracker  *tracker.Tracker
	registry *registry.Registry
	hub      *hub.Hub
	events   natsbus.Emitter
	opts     Options

	mu       sync.Mutex
	ready    readyHeap
	custody  map[string]bool
	waits    map[string]int
	stalled  map[string]bool
	flights  map[string]*flight
	finished map[string]bool
	seq      uint64
	wake     chan struct{}

	listenersMu sync.RWMutex
	onTerminal  []TerminalFunc
}

func New(t *tracker.Tracker, reg *registry.Registry, h *hub.Hub, events natsbus.Emitter, opts Options) (*Dispatcher, error) {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if events == nil {
		events = natsbus.Discard
	}
	if err := h.RegisterMailbox(hub.SchedulerID); err != nil {
		return nil, fmt.Errorf("register scheduler mailbox: %w", err)
	}

	d := &Dispatcher{
		tracker:  t,
		registry: reg,
		hub:      h,
		events:   events,
		opts:     opts,
		custody:  make(map[string]bool),
		waits:    make(map[string]int),
		stalled:  make(map[string]bool),
		flights:  make(map[string]*flight),
		finished: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	h.OnDeadLetter(d.handleDeadLetter)
	return d, nil
}

// OnTerminal registers fn to run when a workflow finishes.
func (d *Dispatcher) OnTerminal(fn TerminalFunc) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.onTerminal = append(d.onTerminal, fn)
}

// Run dispatches ready tasks with at most MaxWorkers assignments in flight
// and consumes agent status updates. It returns when ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.consume(gctx)
		return nil
	})
	g.Go(func() error {
		var pool errgroup.Group
		pool.SetLimit(d.opts.MaxWorkers)
		for {
			taskID, ok := d.next(gctx)
			if !ok {
				break
			}
			pool.Go(func() error {
				d.dispatch(gctx, taskID)
				return nil
			})
		}
		return pool.Wait()
	})
	return g.Wait()
}

// Schedule opens the workflow's first phase. Called once the workflow is
// tracked.
func (d *Dispatcher) Schedule(workflowID string) {
	d.advance(workflowID)
}

// Enqueue adds a Pending task to the ready queue unless it is already in
// custody.
func (d *Dispatcher) Enqueue(taskID string) {
	d.mu.Lock()
	if d.custody[taskID] {
		d.mu.Unlock()
		return
	}
	d.custody[taskID] = true
	d.mu.Unlock()
	d.requeue(taskID)
}

// Cancel cancels every non-terminal task of the workflow, tells holding
// agents to stop and discards their late results.
func (d *Dispatcher) Cancel(workflowID string) (models.WorkflowState, error) {
	held, state, err := d.tracker.CancelWorkflow(workflowID)
	if err != nil {
		return "", err
	}

	for _, h := range held {
		err := d.hub.Send(models.Message{
			Sender:   hub.SchedulerID,
			Receiver: h.AgentID,
			Type:     models.MessageCancel,
			Priority: models.PriorityUrgent,
			Payload:  models.Payload{TaskID: h.TaskID, WorkflowID: workflowID},
		})
		if err != nil {
			slog.Warn("send cancel failed", "task", h.TaskID, "agent", h.AgentID, "error", err)
		}

		d.mu.Lock()
		fl := d.flights[h.TaskID]
		d.mu.Unlock()
		if fl != nil {
			fl.resolve(outcome{cancelled: true})
		}
	}

	if state.Terminal() {
		d.finish(workflowID, state)
	}
	return state, nil
}

// Stalled returns the ids of tasks that waited CapacityRetries times for a
// free agent and are still waiting.
func (d *Dispatcher) Stalled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.stalled))
	for id := range d.stalled {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Queued reports the ready queue length and the number of assignments in
// flight.
func (d *Dispatcher) Queued() (ready, inFlight int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len(), len(d.flights)
}

func (d *Dispatcher) requeue(taskID string) {
	task, ok := d.tracker.Task(taskID)
	if !ok {
		d.drop(taskID)
		return
	}

	d.mu.Lock()
	d.seq++
	heap.Push(&d.ready, readyItem{taskID: taskID, priority: task.Priority, seq: d.seq})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) drop(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.custody, taskID)
	delete(d.waits, taskID)
	delete(d.stalled, taskID)
}

func (d *Dispatcher) next(ctx context.Context) (string, bool) {
	for {
		d.mu.Lock()
		if d.ready.Len() > 0 {
			it := heap.Pop(&d.ready).(readyItem)
			d.mu.Unlock()
			return it.taskID, true
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, taskID string) {
	task, ok := d.tracker.Task(taskID)
	if !ok || task.State != models.TaskPending {
		// Cancelled while waiting in the queue.
		d.drop(taskID)
		return
	}

	agent, err := d.registry.FindAndReserve(task.Capability)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNoCapableAgent):
		slog.Warn("no agent for task", "task", taskID, "capability", task.Capability, "error", err)
		d.drop(taskID)
		if ferr := d.tracker.FailTerminal(taskID, err); ferr != nil {
			slog.Warn("fail task", "task", taskID, "error", ferr)
		}
		d.advance(task.WorkflowID)
		return
	default:
		d.waitCapacity(task)
		return
	}

	d.mu.Lock()
	delete(d.waits, taskID)
	delete(d.stalled, taskID)
	d.mu.Unlock()

	task, err = d.tracker.Assign(taskID, agent.ID)
	if err != nil {
		d.registry.Release(agent.ID)
		d.drop(taskID)
		return
	}

	fl := &flight{agentID: agent.ID, attempt: task.Attempts, done: make(chan outcome, 1)}
	if !d.track(taskID, fl) {
		d.mu.Lock()
		delete(d.flights, taskID)
		d.mu.Unlock()
		d.registry.Release(agent.ID)
		d.settle(task, agent.ID, <-fl.done)
		return
	}

	slog.Info("task assigned", "task", taskID, "workflow", task.WorkflowID, "agent", agent.ID, "attempt", task.Attempts)

	err = d.hub.Send(models.Message{
		Sender:   hub.SchedulerID,
		Receiver: agent.ID,
		Type:     models.MessageAssign,
		Priority: task.Priority,
		Payload: models.Payload{
			TaskID:     task.ID,
			WorkflowID: task.WorkflowID,
			Capability: task.Capability,
			Prompt:     buildPrompt(task, d.dependencies(task)),
			Attempt:    task.Attempts,
		},
	})
	if err != nil {
		fl.resolve(outcome{err: err})
	}

	var deadline <-chan time.Time
	if task.Deadline != nil {
		timer := time.NewTimer(time.Until(*task.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	var out outcome
	shutdown := false
	select {
	case out = <-fl.done:
	case <-deadline:
		out = outcome{err: fmt.Errorf("%w: task %s on %s", models.ErrTimeout, taskID, agent.ID)}
		_ = d.hub.Send(models.Message{
			Sender:   hub.SchedulerID,
			Receiver: agent.ID,
			Type:     models.MessageCancel,
			Priority: models.PriorityUrgent,
			Payload:  models.Payload{TaskID: taskID, WorkflowID: task.WorkflowID},
		})
	case <-ctx.Done():
		shutdown = true
	}

	d.mu.Lock()
	delete(d.flights, taskID)
	d.mu.Unlock()
	d.registry.Release(agent.ID)

	if shutdown {
		// The task stays held; recovery puts it back to Pending.
		d.drop(taskID)
		return
	}
	d.settle(task, agent.ID, out)
}

// track registers the flight for an assigned task. A cancel that landed
// between Assign and registration found no flight to resolve, so the task
// state is checked again; false means the assignment is void and fl has
// been resolved as cancelled.
func (d *Dispatcher) track(taskID string, fl *flight) bool {
	d.mu.Lock()
	d.flights[taskID] = fl
	d.mu.Unlock()

	if t, ok := d.tracker.Task(taskID); !ok || t.State != models.TaskAssigned {
		fl.resolve(outcome{cancelled: true})
		return false
	}
	return true
}

// settle applies the outcome of one attempt.
func (d *Dispatcher) settle(task models.Task, agentID string, out outcome) {
	switch {
	case out.cancelled:
		d.drop(task.ID)
		return

	case out.deadLetter:
		if err := d.tracker.Unassign(task.ID); err != nil {
			d.drop(task.ID)
			return
		}
		d.requeue(task.ID)
		return

	case out.err == nil:
		d.drop(task.ID)
		if err := d.tracker.Complete(task.ID, out.output); err != nil {
			slog.Info("discarding result", "task", task.ID, "agent", agentID, "error", err)
		} else {
			d.registry.RecordResult(agentID, true)
			slog.Info("task completed", "task", task.ID, "agent", agentID)
		}

	default:
		retry, delay, err := d.tracker.Fail(task.ID, out.err)
		if err != nil {
			d.drop(task.ID)
			slog.Info("discarding failure", "task", task.ID, "agent", agentID, "error", err)
			break
		}
		d.registry.RecordResult(agentID, false)
		if retry {
			slog.Warn("task attempt failed, retrying", "task", task.ID, "attempt", task.Attempts, "delay", delay, "error", out.err)
			time.AfterFunc(delay, func() { d.requeue(task.ID) })
			return
		}
		d.drop(task.ID)
		slog.Error("task failed", "task", task.ID, "attempts", task.Attempts, "error", out.err)
	}

	d.advance(task.WorkflowID)
}

func (d *Dispatcher) waitCapacity(task models.Task) {
	d.mu.Lock()
	d.waits[task.ID]++
	n := d.waits[task.ID]
	stalled := d.opts.CapacityRetries > 0 && n == d.opts.CapacityRetries
	if stalled {
		d.stalled[task.ID] = true
	}
	d.mu.Unlock()

	if stalled {
		slog.Warn("task stalled waiting for capacity", "task", task.ID, "capability", task.Capability, "waits", n)
		d.events.Emit(natsbus.TopicEventsStalled, "task_stalled", map[string]any{
			"task_id":     task.ID,
			"workflow_id": task.WorkflowID,
			"capability":  task.Capability,
			"waits":       n,
		})
	}
	time.AfterFunc(d.opts.CapacityBackoff, func() { d.requeue(task.ID) })
}

// advance cancels tasks whose dependencies can no longer complete, opens
// the lowest unfinished phase and reports terminal workflows.
func (d *Dispatcher) advance(workflowID string) {
	w, tasks, ok := d.tracker.Snapshot(workflowID)
	if !ok {
		return
	}

	if !w.State.Terminal() {
		byID := make(map[string]*models.Task, len(tasks))
		for i := range tasks {
			byID[tasks[i].ID] = &tasks[i]
		}

		for changed := true; changed; {
			changed = false
			for i := range tasks {
				t := &tasks[i]
				if t.State != models.TaskPending || !d.blocked(t, byID) {
					continue
				}
				if err := d.tracker.Cancel(t.ID, models.KindDependencyFailed); err != nil {
					continue
				}
				t.State = models.TaskCancelled
				changed = true
				slog.Info("task cancelled, dependency failed", "task", t.ID, "workflow", workflowID)
			}
		}

		for _, phase := range w.Phases {
			open := false
			for _, id := range phase.TaskIDs {
				if t := byID[id]; t != nil && !t.State.Terminal() {
					open = true
					break
				}
			}
			if !open {
				continue
			}
			for _, id := range phase.TaskIDs {
				t := byID[id]
				if t != nil && t.State == models.TaskPending && d.depsCompleted(t, byID) {
					d.Enqueue(id)
				}
			}
			break
		}
	}

	if state, ok := d.tracker.State(workflowID); ok && state.Terminal() {
		d.finish(workflowID, state)
	}
}

func (d *Dispatcher) blocked(t *models.Task, byID map[string]*models.Task) bool {
	for _, dep := range t.DependsOn {
		if p := byID[dep]; p != nil && (p.State == models.TaskFailed || p.State == models.TaskCancelled) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) depsCompleted(t *models.Task, byID map[string]*models.Task) bool {
	for _, dep := range t.DependsOn {
		if p := byID[dep]; p == nil || p.State != models.TaskCompleted {
			return false
		}
	}
	return true
}

func (d *Dispatcher) dependencies(task models.Task) []models.Task {
	out := make([]models.Task, 0, len(task.DependsOn))
	for _, id := range task.DependsOn {
		if t, ok := d.tracker.Task(id); ok {
			out = append(out, t)
		}
	}
	return out
}

func (d *Dispatcher) finish(workflowID string, state models.WorkflowState) {
	d.mu.Lock()
	if d.finished[workflowID] {
		d.mu.Unlock()
		return
	}
	d.finished[workflowID] = true
	d.mu.Unlock()

	slog.Info("workflow finished", "workflow", workflowID, "state", state)

	d.listenersMu.RLock()
	fns := make([]TerminalFunc, len(d.onTerminal))
	copy(fns, d.onTerminal)
	d.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(workflowID, state)
	}

	// Listeners usually drop the workflow from the tracker; once gone it
	// cannot finish again.
	if _, ok := d.tracker.Workflow(workflowID); !ok {
		d.mu.Lock()
		delete(d.finished, workflowID)
		d.mu.Unlock()
	}
}

// consume reads status updates from the scheduler mailbox.
func (d *Dispatcher) consume(ctx context.Context) {
	for {
		msg, err := d.hub.Deliver(ctx, hub.SchedulerID)
		if err != nil {
			return
		}
		if msg.Type != models.MessageStatusUpdate {
			continue
		}

		p := msg.Payload
		switch p.Status {
		case models.StatusAccepted:
			if err := d.tracker.Start(p.TaskID, msg.Sender); err != nil {
				slog.Debug("ignoring ack", "task", p.TaskID, "agent", msg.Sender, "error", err)
			}

		case models.StatusCompleted, models.StatusFailed:
			d.mu.Lock()
			fl := d.flights[p.TaskID]
			d.mu.Unlock()
			if fl == nil || fl.agentID != msg.Sender || fl.attempt != p.Attempt {
				slog.Info("discarding late result", "task", p.TaskID, "agent", msg.Sender, "status", p.Status)
				continue
			}
			if p.Status == models.StatusCompleted {
				fl.resolve(outcome{output: p.Output})
			} else {
				fl.resolve(outcome{err: models.ErrorFromKind(p.ErrorKind, p.Error)})
			}
		}
	}
}

func (d *Dispatcher) handleDeadLetter(msg models.Message) {
	d.events.Emit(natsbus.TopicEventsDeadLetter, "dead_letter", map[string]any{
		"message_id": msg.ID,
		"receiver":   msg.Receiver,
		"type":       string(msg.Type),
		"task_id":    msg.Payload.TaskID,
	})
	if msg.Type != models.MessageAssign {
		return
	}

	d.mu.Lock()
	fl := d.flights[msg.Payload.TaskID]
	d.mu.Unlock()
	if fl != nil && fl.agentID == msg.Receiver && fl.attempt == msg.Payload.Attempt {
		fl.resolve(outcome{deadLetter: true})
	}
}

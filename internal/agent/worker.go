package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/provider"
)

// Worker is one agent's processing loop. It acknowledges assignments,
// runs them against the provider and reports results to the sender.
type Worker struct {
	agent    models.Agent
	hub      *hub.Hub
	provider provider.Provider
	timeout  time.Duration
	sessions *SessionTracker
	cancel   context.CancelFunc

	blockedAfter time.Duration

	wg        sync.WaitGroup
	completed atomic.Int64
	failed    atomic.Int64
}

// Counts returns the worker's active, completed and failed task counts.
func (w *Worker) Counts() (active, completed, failed int) {
	return w.sessions.Len(), int(w.completed.Load()), int(w.failed.Load())
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Wait()

	for {
		msg, err := w.hub.Deliver(ctx, w.agent.ID)
		if err != nil {
			return
		}

		switch msg.Type {
		case models.MessageAssign:
			w.accept(ctx, msg)
		case models.MessageCancel:
			if w.sessions.Cancel(msg.Payload.TaskID) {
				slog.Info("task cancelled", "agent", w.agent.ID, "task", msg.Payload.TaskID)
			}
		case models.MessageBroadcast:
			w.standup(msg)
		default:
			slog.Debug("ignoring message", "agent", w.agent.ID, "type", msg.Type)
		}
	}
}

func (w *Worker) accept(ctx context.Context, msg models.Message) {
	p := msg.Payload
	tctx, cancel := context.WithCancel(ctx)
	s := &Session{
		TaskID:     p.TaskID,
		WorkflowID: p.WorkflowID,
		StartedAt:  time.Now(),
		cancel:     cancel,
	}
	w.sessions.Set(p.TaskID, s)

	w.reply(msg, models.Payload{TaskID: p.TaskID, WorkflowID: p.WorkflowID, Attempt: p.Attempt, Status: models.StatusAccepted})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.execute(tctx, s, msg)
	}()
}

func (w *Worker) execute(ctx context.Context, s *Session, msg models.Message) {
	p := msg.Payload
	start := time.Now()
	output, err := w.provider.Generate(ctx, w.agent.Persona, p.Prompt, w.timeout)

	cancelled := w.sessions.Remove(s)
	if cancelled || ctx.Err() == context.Canceled {
		slog.Info("discarding result of cancelled task", "agent", w.agent.ID, "task", p.TaskID)
		return
	}

	result := models.Payload{TaskID: p.TaskID, WorkflowID: p.WorkflowID, Attempt: p.Attempt}
	if err != nil {
		w.failed.Add(1)
		result.Status = models.StatusFailed
		result.ErrorKind = models.ErrorKind(err)
		result.Error = err.Error()
		slog.Warn("task failed", "agent", w.agent.ID, "task", p.TaskID, "kind", result.ErrorKind, "error", err)
	} else {
		w.completed.Add(1)
		result.Status = models.StatusCompleted
		result.Output = output
		slog.Info("task done", "agent", w.agent.ID, "task", p.TaskID, "duration", time.Since(start))
	}
	w.reply(msg, result)
}

// standup answers a broadcast status query. Tasks running longer than
// blockedAfter are reported as blockers.
func (w *Worker) standup(msg models.Message) {
	active, completed, failed := w.Counts()
	text := fmt.Sprintf("%s: %d active, %d completed, %d failed", w.agent.ID, active, completed, failed)

	var blockers []string
	if w.blockedAfter > 0 {
		blockers = w.sessions.ListOlderThan(w.blockedAfter)
		sort.Strings(blockers)
	}
	if len(blockers) > 0 {
		text += fmt.Sprintf(", long-running: %s", strings.Join(blockers, ", "))
	}

	w.reply(msg, models.Payload{
		Status:    models.StatusStandup,
		Text:      text,
		Active:    active,
		Completed: completed,
		Failed:    failed,
		Blockers:  blockers,
	})
}

func (w *Worker) reply(to models.Message, payload models.Payload) {
	err := w.hub.Send(models.Message{
		Sender:   w.agent.ID,
		Receiver: to.Sender,
		Type:     models.MessageStatusUpdate,
		Priority: to.Priority,
		Payload:  payload,
	})
	if err != nil {
		slog.Warn("reply failed", "agent", w.agent.ID, "to", to.Sender, "error", err)
	}
}

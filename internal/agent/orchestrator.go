package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/provider"
)

// Orchestrator runs one worker loop per registered agent.
type Orchestrator struct {
	hub      *hub.Hub
	provider provider.Provider
	timeout  time.Duration

	mu           sync.Mutex
	blockedAfter time.Duration
	workers      map[string]*Worker
	wg           sync.WaitGroup
}

func NewOrchestrator(h *hub.Hub, p provider.Provider, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		hub:      h,
		provider: p,
		timeout:  timeout,
		workers:  make(map[string]*Worker),
	}
}

// SetBlockedAfter sets how long a task may run before standup replies
// list it as a blocker. Zero disables blockers. Applies to agents started
// afterwards.
func (o *Orchestrator) SetBlockedAfter(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blockedAfter = d
}

// StartAgent opens the agent's inbox and starts its processing loop.
func (o *Orchestrator) StartAgent(ctx context.Context, a models.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.workers[a.ID]; ok {
		return fmt.Errorf("%w: agent %s already running", models.ErrDuplicateID, a.ID)
	}
	if err := o.hub.RegisterAgent(a.ID); err != nil {
		return fmt.Errorf("register inbox: %w", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		agent:    a,
		hub:      o.hub,
		provider: o.provider,
		timeout:  o.timeout,
		sessions: NewSessionTracker(),
		cancel:   cancel,

		blockedAfter: o.blockedAfter,
	}
	if w.agent.Persona.Prompt == "" {
		w.agent.Persona.Prompt = defaultPersona(a)
	}
	o.workers[a.ID] = w

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		w.run(wctx)
	}()

	slog.Info("agent started", "agent", a.ID, "capabilities", a.Capabilities, "capacity", a.Capacity)
	return nil
}

// StopAgent stops the agent's loop and closes its inbox. Queued messages
// become dead letters.
func (o *Orchestrator) StopAgent(id string) {
	o.mu.Lock()
	w, ok := o.workers[id]
	delete(o.workers, id)
	o.mu.Unlock()

	if !ok {
		return
	}
	w.cancel()
	o.hub.Unregister(id)
	slog.Info("agent stopped", "agent", id)
}

// Stop stops every agent and waits for their loops to exit.
func (o *Orchestrator) Stop() {
	for _, id := range o.Running() {
		o.StopAgent(id)
	}
	o.wg.Wait()
}

// Running returns the ids of running agents, sorted.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.workers))
	for id := range o.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) Worker(id string) (*Worker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[id]
	return w, ok
}

func defaultPersona(a models.Agent) string {
	name := a.Name
	if name == "" {
		name = a.ID
	}
	return fmt.Sprintf("You are %s, a specialist agent covering %s. Answer with the deliverable for the task you are given.",
		name, strings.Join(a.Capabilities, ", "))
}

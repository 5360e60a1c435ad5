package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/registry"
	"github.com/mtzanidakis/orkestra/internal/standup"
)

// AgentStatus is an agent with its load and outcome counters.
type AgentStatus struct {
	models.Agent
	Running   bool `json:"running"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
}

func (e *Engine) Agents() []AgentStatus {
	agents := e.registry.List()
	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		st := e.registry.Stats(a.ID)
		as := AgentStatus{Agent: a, Completed: st.Completed, Failed: st.Failed}
		if w, ok := e.orch.Worker(a.ID); ok {
			as.Running = true
			as.Active, _, _ = w.Counts()
		}
		out = append(out, as)
	}
	return out
}

// Stats summarises engine activity.
type Stats struct {
	ActiveWorkflows int           `json:"active_workflows"`
	Ready           int           `json:"ready"`
	InFlight        int           `json:"in_flight"`
	Stalled         int           `json:"stalled"`
	Agents          int           `json:"agents"`
	Uptime          time.Duration `json:"uptime"`
}

func (e *Engine) Stats() Stats {
	ready, inFlight := e.dispatcher.Queued()
	return Stats{
		ActiveWorkflows: len(e.tracker.Active()),
		Ready:           ready,
		InFlight:        inFlight,
		Stalled:         len(e.dispatcher.Stalled()),
		Agents:          len(e.registry.List()),
		Uptime:          time.Since(e.startedAt),
	}
}

// Standup asks every agent for its status and reports blocked tasks.
func (e *Engine) Standup(ctx context.Context) (*standup.Summary, error) {
	s, err := e.collector.Run(ctx, e.dispatcher.Stalled())
	if err != nil {
		return nil, err
	}
	e.events.Emit(natsbus.TopicEventsStandup, "standup", map[string]any{
		"expected": s.Expected,
		"replies":  len(s.Replies),
		"stalled":  len(s.Stalled),
	})
	slog.Info("standup complete", "expected", s.Expected, "replies", len(s.Replies), "stalled", len(s.Stalled))
	return s, nil
}

func (e *Engine) StandupText(ctx context.Context) (string, error) {
	s, err := e.Standup(ctx)
	if err != nil {
		return "", err
	}
	return s.Text(), nil
}

func (e *Engine) scheduledStandup(ctx context.Context) {
	s, err := e.Standup(ctx)
	if err != nil {
		slog.Error("scheduled standup failed", "error", err)
		return
	}
	if err := e.notifier.Notify(ctx, s.Text()); err != nil {
		slog.Warn("notify standup failed", "error", err)
	}
}

// Reload applies the reloadable parts of cfg: the agent catalog and the
// standup schedule. Agents that hold tasks are left as they are.
func (e *Engine) Reload(cfg *config.Config) config.ConfigDiff {
	e.mu.Lock()
	old := e.cfg
	ctx := e.ctx
	e.mu.Unlock()

	diff := config.Diff(old, cfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}

	kept := make(map[string]config.AgentDefinition, len(cfg.Agents))
	for id, def := range old.Agents {
		kept[id] = def
	}

	for _, id := range diff.AgentsRemoved {
		if err := e.registry.Deregister(id); err != nil {
			slog.Warn("agent not removed", "agent", id, "error", err)
			continue
		}
		delete(kept, id)
		slog.Info("agent removed", "agent", id)
	}
	for _, id := range diff.AgentsChanged {
		if err := e.registry.Deregister(id); err != nil {
			slog.Warn("agent not updated", "agent", id, "error", err)
			continue
		}
		if e.addAgent(ctx, id, cfg.Agents[id]) {
			kept[id] = cfg.Agents[id]
		} else {
			delete(kept, id)
		}
	}
	for _, id := range diff.AgentsAdded {
		if e.addAgent(ctx, id, cfg.Agents[id]) {
			kept[id] = cfg.Agents[id]
		}
	}

	if diff.StandupChanged {
		if sched, err := standupSchedule(cfg.Standup); err != nil {
			slog.Warn("standup schedule not updated", "error", err)
			diff.NewStandup = old.Standup
		} else {
			e.runner.UpdateSchedule(sched)
		}
	}

	workflows := old.Workflows
	if diff.WorkflowsChanged {
		if err := e.checkTemplates(cfg.Workflows); err != nil {
			slog.Warn("workflow templates not updated", "error", err)
			diff.WorkflowsChanged = false
		} else {
			workflows = cfg.Workflows
		}
	}

	if err := e.registry.Sync(e.store); err != nil {
		slog.Error("sync agent registry failed", "error", err)
	}

	updated := *old
	updated.Agents = kept
	updated.Workflows = workflows
	updated.Standup = diff.NewStandup
	if !diff.StandupChanged {
		updated.Standup = old.Standup
	}
	e.mu.Lock()
	e.cfg = &updated
	e.mu.Unlock()

	slog.Info("config reloaded",
		"added", diff.AgentsAdded,
		"removed", diff.AgentsRemoved,
		"changed", diff.AgentsChanged,
		"standup_changed", diff.StandupChanged,
		"workflows_changed", diff.WorkflowsChanged,
	)
	return diff
}

func (e *Engine) addAgent(ctx context.Context, id string, def config.AgentDefinition) bool {
	a := registry.FromDefinition(id, def)
	if err := e.registry.Register(a); err != nil {
		slog.Warn("agent not added", "agent", id, "error", err)
		return false
	}
	if ctx != nil {
		if err := e.orch.StartAgent(ctx, a); err != nil {
			slog.Error("start agent failed", "agent", id, "error", err)
		}
	}
	slog.Info("agent added", "agent", id, "capabilities", a.Capabilities)
	return true
}

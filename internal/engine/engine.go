package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/agent"
	"github.com/mtzanidakis/orkestra/internal/classifier"
	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/dispatcher"
	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/notify"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/mtzanidakis/orkestra/internal/provider"
	"github.com/mtzanidakis/orkestra/internal/registry"
	"github.com/mtzanidakis/orkestra/internal/report"
	"github.com/mtzanidakis/orkestra/internal/schedule"
	"github.com/mtzanidakis/orkestra/internal/standup"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/mtzanidakis/orkestra/internal/tracker"
)

type Options struct {
	Config *config.Config
	Store  *store.Store
	// Provider overrides the one selected by Config.Provider.
	Provider provider.Provider
	// Bus, when set, carries hub messages and engine events over NATS.
	Bus      *natsbus.Bus
	Notifier notify.Notifier
}

// Engine owns every component of one orchestration instance.
type Engine struct {
	store      *store.Store
	classifier *classifier.Classifier
	planner    *planner.Planner
	registry   *registry.Registry
	hub        *hub.Hub
	tracker    *tracker.Tracker
	dispatcher *dispatcher.Dispatcher
	orch       *agent.Orchestrator
	collector  *standup.Collector
	runner     *standup.Runner
	notifier   notify.Notifier
	events     natsbus.Emitter
	client     *natsbus.Client
	transport  *natsbus.HubTransport
	startedAt  time.Time

	mu     sync.Mutex
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notifications still being delivered
	pending sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}

	e := &Engine{
		store:     opts.Store,
		notifier:  opts.Notifier,
		events:    natsbus.Discard,
		cfg:       cfg,
		startedAt: time.Now(),
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}

	p := opts.Provider
	if p == nil {
		var err error
		if p, err = provider.New(cfg.Provider); err != nil {
			return nil, fmt.Errorf("init provider: %w", err)
		}
	}

	if opts.Bus != nil {
		client, err := natsbus.NewClient(opts.Bus)
		if err != nil {
			return nil, err
		}
		e.client = client
		e.events = client
	}

	e.classifier = NewClassifier(cfg.Classifier)

	var err error
	e.planner, err = planner.New(cfg.Planner.Phases, cfg.Planner.Sequential)
	if err != nil {
		e.closeClient()
		return nil, fmt.Errorf("init planner: %w", err)
	}
	if err := e.checkTemplates(cfg.Workflows); err != nil {
		e.closeClient()
		return nil, err
	}

	e.hub = hub.New()
	e.hub.SetJournal(opts.Store)
	if e.client != nil {
		e.transport, err = natsbus.NewHubTransport(e.client, e.hub.Enqueue)
		if err != nil {
			e.closeClient()
			return nil, err
		}
		e.hub.SetTransport(e.transport)
	}

	e.registry = registry.New()
	for _, a := range registry.FromDefinitions(cfg.Agents) {
		if err := e.registry.Register(a); err != nil {
			e.closeClient()
			return nil, fmt.Errorf("register agent: %w", err)
		}
	}
	if err := e.registry.Sync(opts.Store); err != nil {
		e.closeClient()
		return nil, fmt.Errorf("sync agent registry: %w", err)
	}

	policy := tracker.RetryPolicy{
		MaxRetries: cfg.Engine.MaxRetries,
		Backoff:    cfg.Engine.RetryBackoff,
		MaxBackoff: cfg.Engine.MaxBackoff,
	}
	e.tracker = tracker.New(policy, cfg.Engine.TaskTimeout, opts.Store, e.events)

	e.dispatcher, err = dispatcher.New(e.tracker, e.registry, e.hub, e.events, dispatcher.Options{
		MaxWorkers:      cfg.Engine.MaxWorkers,
		CapacityRetries: cfg.Engine.CapacityRetries,
		CapacityBackoff: cfg.Engine.CapacityBackoff,
	})
	if err != nil {
		e.closeClient()
		return nil, err
	}
	e.dispatcher.OnTerminal(e.onTerminal)

	e.orch = agent.NewOrchestrator(e.hub, p, cfg.Provider.Timeout)
	e.orch.SetBlockedAfter(cfg.Standup.BlockedAfter)
	e.registry.OnDeregister(e.orch.StopAgent)

	e.collector, err = standup.NewCollector(e.hub, cfg.Standup.Timeout)
	if err != nil {
		e.closeClient()
		return nil, err
	}
	sched, err := standupSchedule(cfg.Standup)
	if err != nil {
		e.closeClient()
		return nil, err
	}
	e.runner = standup.NewRunner(sched, e.scheduledStandup)

	return e, nil
}

// Start launches agent loops, the dispatcher and the standup schedule, then
// resumes workflows left unfinished by a previous run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	e.cancel = cancel
	e.mu.Unlock()

	for _, a := range e.registry.List() {
		if err := e.orch.StartAgent(ctx, a); err != nil {
			return fmt.Errorf("start agent %s: %w", a.ID, err)
		}
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.dispatcher.Run(ctx); err != nil {
			slog.Error("dispatcher stopped", "error", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		e.runner.Start(ctx)
	}()

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}

	slog.Info("engine started", "agents", len(e.registry.List()))
	return nil
}

// Close stops every loop started by Start. The store stays open.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.orch.Stop()
	e.pending.Wait()
	e.closeClient()
	slog.Info("engine stopped")
}

func (e *Engine) closeClient() {
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			slog.Warn("close hub transport", "error", err)
		}
		e.transport = nil
	}
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// recover puts persisted non-terminal workflows back under tracking.
func (e *Engine) recover(ctx context.Context) error {
	wfs, err := e.store.ListWorkflowsByState(ctx, models.WorkflowPending, models.WorkflowRunning)
	if err != nil {
		return err
	}
	for _, w := range wfs {
		tasks, err := e.store.ListWorkflowTasks(ctx, w.ID)
		if err != nil {
			return err
		}
		e.tracker.Restore(w, tasks)
		e.dispatcher.Schedule(w.ID)
		slog.Info("workflow resumed", "workflow", w.ID, "tasks", len(tasks))
	}
	return nil
}

// renderReport builds the final report of a terminal workflow.
func renderReport(w models.Workflow, tasks []models.Task) (*report.Report, *store.StoredReport, error) {
	rep, err := report.Aggregate(w, tasks)
	if err != nil {
		return nil, nil, err
	}
	content := rep.Markdown()
	return rep, &store.StoredReport{
		WorkflowID: w.ID,
		State:      string(w.State),
		Digest:     report.Digest(content),
		Content:    content,
		CreatedAt:  w.UpdatedAt,
	}, nil
}

// onTerminal stores the final report, announces it and stops tracking the
// workflow in memory.
func (e *Engine) onTerminal(workflowID string, state models.WorkflowState) {
	w, tasks, ok := e.tracker.Snapshot(workflowID)
	if !ok {
		return
	}
	defer e.tracker.Remove(workflowID)

	rep, stored, err := renderReport(w, tasks)
	if err != nil {
		slog.Error("aggregate report failed", "workflow", workflowID, "error", err)
		return
	}
	content, digest := stored.Content, stored.Digest

	if err := e.store.SaveReport(context.Background(), stored); err != nil {
		slog.Error("save report failed", "workflow", workflowID, "error", err)
	}

	e.events.Emit(natsbus.TopicEventsWorkflow("report"), "workflow_report", map[string]any{
		"workflow_id": workflowID,
		"state":       string(state),
		"digest":      digest,
		"gaps":        len(rep.Gaps()),
	})

	text := fmt.Sprintf("Workflow %s finished: %s\n\n%s", workflowID, state, content)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, text); err != nil {
			slog.Warn("notify report failed", "workflow", workflowID, "error", err)
		}
	}()
}

// NewClassifier builds a classifier from config, using the built-in rule
// table when none is configured.
func NewClassifier(cfg config.ClassifierConfig) *classifier.Classifier {
	return classifier.New(classifierRules(cfg), cfg.Threshold, cfg.Fallback)
}

func classifierRules(cfg config.ClassifierConfig) []classifier.Rule {
	if len(cfg.Rules) == 0 {
		return classifier.DefaultRules
	}
	rules := make([]classifier.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, classifier.Rule{
			Capability: r.Capability,
			Keywords:   r.Keywords,
			Weight:     r.Weight,
		})
	}
	return rules
}

func standupSchedule(cfg config.StandupConfig) (*schedule.Schedule, error) {
	if cfg.Schedule == "" {
		return nil, nil
	}
	s, err := schedule.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("standup schedule: %w", err)
	}
	return s, nil
}

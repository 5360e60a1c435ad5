package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/mtzanidakis/orkestra/internal/provider"
	"github.com/mtzanidakis/orkestra/internal/report"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Engine.RetryBackoff = time.Millisecond
	cfg.Engine.MaxBackoff = 10 * time.Millisecond
	cfg.Engine.CapacityBackoff = 5 * time.Millisecond
	cfg.Standup.Schedule = ""
	cfg.Standup.Timeout = time.Second
	return cfg
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T, s *store.Store, p provider.Provider, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	e, err := New(Options{Config: cfg, Store: s, Provider: p})
	require.NoError(t, err)
	return e
}

func startEngine(t *testing.T, p provider.Provider) *Engine {
	t.Helper()
	e := newEngine(t, testStore(t), p, nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

// waitFinished waits until the workflow is terminal and its report stored.
func waitFinished(t *testing.T, e *Engine, id string) *Status {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		r, err := e.Report(ctx, id)
		return err == nil && r != nil
	}, 5*time.Second, 10*time.Millisecond)
	st, err := e.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	return st
}

func task(st *Status, capability string) models.Task {
	for _, t := range st.Tasks {
		if t.Capability == capability {
			return t
		}
	}
	return models.Task{}
}

func TestSubmitTaskCompletes(t *testing.T) {
	e := startEngine(t, provider.Echo{})
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityHigh)
	require.NoError(t, err)

	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCompleted, st.Workflow.State)
	assert.Equal(t, []string{"design", "engineering", "product"}, sortedCaps(st.Tasks))
	for _, tk := range st.Tasks {
		assert.Equal(t, models.TaskCompleted, tk.State)
		assert.Equal(t, 1, tk.Attempts)
	}
	assert.Empty(t, st.PartialReport)

	r, err := e.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", r.State)
	assert.Equal(t, report.Digest(r.Content), r.Digest)
	assert.Contains(t, string(r.Content), "## Analysis")
	assert.NotContains(t, string(r.Content), "[gap:")

	list, err := e.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, models.WorkflowCompleted, list[0].State)

	var completed int
	for _, a := range e.Agents() {
		completed += a.Completed
		assert.True(t, a.Running)
	}
	assert.Equal(t, 3, completed)
}

func sortedCaps(tasks []models.Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.Capability)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func TestSubmitTaskRejected(t *testing.T) {
	e := startEngine(t, provider.Echo{})
	ctx := context.Background()

	_, err := e.SubmitTask(ctx, "   ", models.PriorityMedium)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = e.SubmitTask(ctx, "build \xff app", models.PriorityMedium)
	assert.True(t, errors.Is(err, models.ErrClassification))

	_, err = e.SubmitTask(ctx, "Build an app", models.Priority(9))
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = e.SubmitWorkflow(ctx, &planner.Definition{
		Name: "loop",
		Phases: []planner.PhaseDefinition{{Name: "Only", Tasks: []planner.TaskDefinition{
			{Key: "a", Capability: "engineering", DependsOn: []string{"b"}},
			{Key: "b", Capability: "engineering", DependsOn: []string{"a"}},
		}}},
	})
	assert.True(t, errors.Is(err, models.ErrInvalidWorkflow))
	assert.True(t, errors.Is(err, models.ErrCycleDetected))

	list, err := e.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "rejected submissions persist nothing")
}

func TestFallbackCapability(t *testing.T) {
	e := startEngine(t, provider.Echo{})

	id, err := e.SubmitTask(context.Background(), "Think about next year", models.PriorityLow)
	require.NoError(t, err)

	st := waitFinished(t, e, id)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "executive", st.Tasks[0].Capability)
	assert.Equal(t, 3, st.Tasks[0].Phase)
}

func TestCustomWorkflow(t *testing.T) {
	e := startEngine(t, provider.Echo{})

	def, err := planner.ParseDefinition([]byte(`
name: Launch
description: Launch the new pricing page
phases:
  - name: Prepare
    tasks:
      - key: copy
        title: Write copy
        capability: marketing
      - key: numbers
        title: Check pricing
        capability: finance
  - name: Ship
    tasks:
      - key: page
        title: Build page
        capability: engineering
        depends_on: [copy, numbers]
`))
	require.NoError(t, err)

	id, err := e.SubmitWorkflow(context.Background(), def)
	require.NoError(t, err)

	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCompleted, st.Workflow.State)
	assert.Equal(t, "Launch", st.Workflow.Name)
	assert.Len(t, st.Tasks, 3)
}

func TestRetriesExhaustedReport(t *testing.T) {
	p := provider.Func(func(ctx context.Context, persona models.Persona, prompt string, _ time.Duration) (string, error) {
		if persona.Name == "design" {
			return "", &models.ProviderError{Kind: models.ProviderQuota, Err: errors.New("rate limited")}
		}
		return persona.Name + " done", nil
	})
	e := startEngine(t, p)
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityMedium)
	require.NoError(t, err)

	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowPartiallyFailed, st.Workflow.State)

	design := task(st, "design")
	assert.Equal(t, models.TaskFailed, design.State)
	assert.Equal(t, "provider:quota", design.ErrorKind)
	assert.Equal(t, 3, design.Attempts)

	eng := task(st, "engineering")
	assert.Equal(t, models.TaskCancelled, eng.State)
	assert.Equal(t, models.KindDependencyFailed, eng.ErrorKind)

	r, err := e.Report(ctx, id)
	require.NoError(t, err)
	content := string(r.Content)
	assert.Contains(t, content, "product done")
	assert.Contains(t, content, "[gap: Design design (failed: provider:quota)]")
	assert.Contains(t, content, "[gap: Engineering implementation (cancelled: dependency_failed)]")

	text, err := e.StatusText(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, text, "Design design: failed (provider:quota) after 3 attempts")
}

func TestCancelWorkflow(t *testing.T) {
	p := provider.Func(func(ctx context.Context, persona models.Persona, prompt string, _ time.Duration) (string, error) {
		if persona.Name == "engineering" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return persona.Name + " done", nil
	})
	e := startEngine(t, p)
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityMedium)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := e.GetWorkflowStatus(ctx, id)
		return err == nil && task(st, "engineering").State == models.TaskInProgress
	}, 5*time.Second, 10*time.Millisecond)

	running, err := e.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, running.PartialReport, "- Partial: yes")
	assert.Contains(t, running.PartialReport, "product done")

	_, err = e.Report(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFinished))

	state, err := e.CancelWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCancelled, state)

	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCancelled, st.Workflow.State)
	assert.Equal(t, models.TaskCompleted, task(st, "product").State)
	assert.Equal(t, models.TaskCompleted, task(st, "design").State)
	assert.Equal(t, models.TaskCancelled, task(st, "engineering").State)

	// Cancelling again, after the workflow left memory, is a no-op.
	state, err = e.CancelWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCancelled, state)

	r, err := e.Report(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, string(r.Content), "[gap: Engineering implementation (cancelled: cancelled)]")

	require.Eventually(t, func() bool {
		for _, a := range e.Agents() {
			if a.ID == "engineering" {
				return a.Load == 0 && a.Active == 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownWorkflow(t *testing.T) {
	e := startEngine(t, provider.Echo{})
	ctx := context.Background()

	_, err := e.GetWorkflowStatus(ctx, "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = e.CancelWorkflow(ctx, "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = e.Report(ctx, "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestReportBeforeSave(t *testing.T) {
	// Not started: nothing saves reports, so terminal workflows stay in the
	// tracker without one.
	e := newEngine(t, testStore(t), provider.Echo{}, nil)
	ctx := context.Background()

	running, err := e.Preview("Write the quarterly budget forecast", models.PriorityMedium)
	require.NoError(t, err)
	require.NoError(t, e.tracker.Add(ctx, running.Workflow, running.Tasks))
	_, err = e.Report(ctx, running.Workflow.ID)
	assert.True(t, errors.Is(err, ErrNotFinished))

	done, err := e.Preview("Write the quarterly budget forecast", models.PriorityMedium)
	require.NoError(t, err)
	require.NoError(t, e.tracker.Add(ctx, done.Workflow, done.Tasks))
	_, state, err := e.tracker.CancelWorkflow(done.Workflow.ID)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowCancelled, state)

	r, err := e.Report(ctx, done.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", r.State)
	assert.Equal(t, report.Digest(r.Content), r.Digest)
	assert.Contains(t, string(r.Content), "[gap:")
}

func TestRecoverUnfinishedWorkflows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Submitted but never dispatched: the first engine is not started.
	first := newEngine(t, s, provider.Echo{}, nil)
	id, err := first.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityMedium)
	require.NoError(t, err)
	first.Close()

	second := newEngine(t, s, provider.Echo{}, nil)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(second.Close)

	st := waitFinished(t, second, id)
	assert.Equal(t, models.WorkflowCompleted, st.Workflow.State)
}

func TestStandup(t *testing.T) {
	e := startEngine(t, provider.Echo{})

	s, err := e.Standup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(config.DefaultAgents()), s.Expected)
	assert.Len(t, s.Replies, s.Expected)
	assert.Equal(t, "data", s.Replies[0].AgentID)

	text, err := e.StandupText(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "- qa: 0 active, 0 completed, 0 failed")
}

func TestReload(t *testing.T) {
	e := startEngine(t, provider.Echo{})

	cfg := testConfig(t)
	delete(cfg.Agents, "hr")
	cfg.Agents["translation"] = config.AgentDefinition{Capabilities: []string{"translation"}, Capacity: 1}
	def := cfg.Agents["qa"]
	def.Capacity = 5
	cfg.Agents["qa"] = def
	cfg.Standup.Schedule = "@every 1h"
	cfg.Web.Port = 9999

	diff := e.Reload(cfg)
	assert.Equal(t, []string{"translation"}, diff.AgentsAdded)
	assert.Equal(t, []string{"hr"}, diff.AgentsRemoved)
	assert.Equal(t, []string{"qa"}, diff.AgentsChanged)
	assert.True(t, diff.StandupChanged)
	assert.Contains(t, diff.NonReloadable, "web.port")

	byID := map[string]AgentStatus{}
	for _, a := range e.Agents() {
		byID[a.ID] = a
	}
	assert.NotContains(t, byID, "hr")
	require.Contains(t, byID, "translation")
	assert.True(t, byID["translation"].Running)
	assert.Equal(t, 5, byID["qa"].Capacity)

	id, err := e.SubmitWorkflow(context.Background(), &planner.Definition{
		Name: "Handbook",
		Phases: []planner.PhaseDefinition{{Name: "Translate", Tasks: []planner.TaskDefinition{
			{Key: "t", Title: "Translate the handbook", Capability: "translation"},
		}}},
	})
	require.NoError(t, err)
	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCompleted, st.Workflow.State)
	assert.True(t, strings.HasPrefix(task(st, "translation").Output, "translation:"))
}

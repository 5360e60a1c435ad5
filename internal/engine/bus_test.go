package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/provider"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func startBusEngine(t *testing.T, bus *natsbus.Bus, p provider.Provider, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	e, err := New(Options{Config: cfg, Store: testStore(t), Provider: p, Bus: bus})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

func TestBusSubmitTaskCompletes(t *testing.T) {
	bus := testBus(t)

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	finished := make(chan natsbus.Event, 4)
	_, err = client.Subscribe(natsbus.TopicEventsWorkflow("completed"), func(msg *nats.Msg) {
		var ev natsbus.Event
		if json.Unmarshal(msg.Data, &ev) == nil {
			finished <- ev
		}
	})
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	e := startBusEngine(t, bus, provider.Echo{}, nil)
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityHigh)
	require.NoError(t, err)

	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCompleted, st.Workflow.State)
	for _, tk := range st.Tasks {
		assert.Equal(t, models.TaskCompleted, tk.State)
		assert.True(t, strings.HasPrefix(tk.Output, tk.Capability+":"), tk.Output)
	}

	select {
	case ev := <-finished:
		assert.Equal(t, "workflow_completed", ev.Type)
		assert.Equal(t, id, ev.Payload["workflow_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for workflow event")
	}
}

func TestBusCancelWorkflow(t *testing.T) {
	p := provider.Func(func(ctx context.Context, persona models.Persona, prompt string, _ time.Duration) (string, error) {
		if persona.Name == "engineering" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return persona.Name + " done", nil
	})
	e := startBusEngine(t, testBus(t), p, nil)
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityMedium)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := e.GetWorkflowStatus(ctx, id)
		return err == nil && task(st, "engineering").State == models.TaskInProgress
	}, 5*time.Second, 10*time.Millisecond)

	state, err := e.CancelWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCancelled, state)

	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCancelled, st.Workflow.State)
	assert.Equal(t, models.TaskCancelled, task(st, "engineering").State)

	// The cancel message crosses the bus and stops the running session.
	require.Eventually(t, func() bool {
		for _, a := range e.Agents() {
			if a.ID == "engineering" {
				return a.Load == 0 && a.Active == 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusReloadDuringFlight(t *testing.T) {
	release := make(chan struct{})
	p := provider.Func(func(ctx context.Context, persona models.Persona, prompt string, _ time.Duration) (string, error) {
		if persona.Name == "engineering" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return persona.Name + " done", nil
	})
	e := startBusEngine(t, testBus(t), p, nil)
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, "Build a mobile app for expense tracking", models.PriorityMedium)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := e.GetWorkflowStatus(ctx, id)
		return err == nil && task(st, "engineering").State == models.TaskInProgress
	}, 5*time.Second, 10*time.Millisecond)

	// Removing the busy agent is refused; removing an idle one is not.
	cfg := testConfig(t)
	delete(cfg.Agents, "engineering")
	delete(cfg.Agents, "hr")
	diff := e.Reload(cfg)
	assert.ElementsMatch(t, []string{"engineering", "hr"}, diff.AgentsRemoved)

	byID := map[string]AgentStatus{}
	for _, a := range e.Agents() {
		byID[a.ID] = a
	}
	assert.NotContains(t, byID, "hr")
	require.Contains(t, byID, "engineering")
	assert.True(t, byID["engineering"].Running)

	close(release)
	st := waitFinished(t, e, id)
	assert.Equal(t, models.WorkflowCompleted, st.Workflow.State)
	assert.Equal(t, "engineering done", task(st, "engineering").Output)

	// Once idle, the agent can be removed and its inbox leaves the bus.
	diff = e.Reload(cfg)
	assert.Equal(t, []string{"engineering"}, diff.AgentsRemoved)
	for _, a := range e.Agents() {
		assert.NotEqual(t, "engineering", a.ID)
	}
	assert.False(t, e.hub.Registered("engineering"))
}

func TestBusRejectsAgentIDWithSubjectTokens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents["team.eng"] = config.AgentDefinition{Capabilities: []string{"engineering"}, Capacity: 1}

	_, err := New(Options{Config: cfg, Store: testStore(t), Provider: provider.Echo{}, Bus: testBus(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

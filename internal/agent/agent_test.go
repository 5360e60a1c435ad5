package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boss = "boss"

func setup(t *testing.T, p provider.Provider) (*hub.Hub, *Orchestrator) {
	t.Helper()
	h := hub.New()
	require.NoError(t, h.RegisterMailbox(boss))
	o := NewOrchestrator(h, p, time.Second)
	require.NoError(t, o.StartAgent(context.Background(), models.Agent{
		ID:           "engineering",
		Name:         "Engineer",
		Capabilities: []string{"engineering"},
		Capacity:     2,
	}))
	t.Cleanup(o.Stop)
	return h, o
}

func receive(t *testing.T, h *hub.Hub) models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := h.Deliver(ctx, boss)
	require.NoError(t, err)
	return m
}

func assign(t *testing.T, h *hub.Hub, taskID, prompt string) {
	t.Helper()
	require.NoError(t, h.Send(models.Message{
		Sender:   boss,
		Receiver: "engineering",
		Type:     models.MessageAssign,
		Payload:  models.Payload{TaskID: taskID, WorkflowID: "w1", Prompt: prompt},
	}))
}

func TestWorkerCompletesTask(t *testing.T) {
	h, o := setup(t, provider.Echo{})
	assign(t, h, "t1", "Build the backend")

	ack := receive(t, h)
	assert.Equal(t, models.StatusAccepted, ack.Payload.Status)
	assert.Equal(t, "engineering", ack.Sender)

	done := receive(t, h)
	assert.Equal(t, models.StatusCompleted, done.Payload.Status)
	assert.Equal(t, "t1", done.Payload.TaskID)
	assert.Equal(t, "Engineer: Build the backend", done.Payload.Output)

	w, ok := o.Worker("engineering")
	require.True(t, ok)
	active, completed, failed := w.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
}

func TestWorkerReportsFailureKind(t *testing.T) {
	p := provider.Func(func(ctx context.Context, _ models.Persona, _ string, _ time.Duration) (string, error) {
		return "", &models.ProviderError{Kind: models.ProviderQuota, Err: errors.New("rate limited")}
	})
	h, _ := setup(t, p)
	assign(t, h, "t1", "x")

	receive(t, h) // ack
	res := receive(t, h)
	assert.Equal(t, models.StatusFailed, res.Payload.Status)
	assert.Equal(t, "provider:quota", res.Payload.ErrorKind)
	assert.Contains(t, res.Payload.Error, "rate limited")
}

func TestWorkerCancelDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	p := provider.Func(func(ctx context.Context, _ models.Persona, _ string, _ time.Duration) (string, error) {
		close(started)
		<-ctx.Done()
		return "too late", nil
	})
	h, o := setup(t, p)
	assign(t, h, "t1", "x")
	receive(t, h) // ack
	<-started

	require.NoError(t, h.Send(models.Message{
		Sender:   boss,
		Receiver: "engineering",
		Type:     models.MessageCancel,
		Priority: models.PriorityUrgent,
		Payload:  models.Payload{TaskID: "t1"},
	}))

	require.Eventually(t, func() bool {
		w, _ := o.Worker("engineering")
		active, _, _ := w.Counts()
		return active == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, got := h.TryDeliver(boss)
	assert.False(t, got, "cancelled task must not report a result")
}

func TestWorkerAnswersStandup(t *testing.T) {
	h, _ := setup(t, provider.Echo{})

	n, err := h.Broadcast(models.Message{Sender: boss, Type: models.MessageBroadcast, Payload: models.Payload{Text: "standup"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m := receive(t, h)
	assert.Equal(t, models.StatusStandup, m.Payload.Status)
	assert.Contains(t, m.Payload.Text, "engineering: 0 active")
}

func TestStartStopAgent(t *testing.T) {
	h, o := setup(t, provider.Echo{})

	err := o.StartAgent(context.Background(), models.Agent{ID: "engineering", Capabilities: []string{"x"}, Capacity: 1})
	assert.True(t, errors.Is(err, models.ErrDuplicateID))
	assert.Equal(t, []string{"engineering"}, o.Running())

	o.StopAgent("engineering")
	assert.Empty(t, o.Running())
	assert.False(t, h.Registered("engineering"))
}

func TestDefaultPersona(t *testing.T) {
	p := defaultPersona(models.Agent{ID: "qa", Capabilities: []string{"qa", "testing"}})
	assert.Contains(t, p, "You are qa")
	assert.Contains(t, p, "qa, testing")
}

func TestWorkerReportsLongRunningTasks(t *testing.T) {
	started := make(chan struct{})
	p := provider.Func(func(ctx context.Context, _ models.Persona, _ string, _ time.Duration) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	h, o := setup(t, p)
	o.StopAgent("engineering")
	o.SetBlockedAfter(10 * time.Millisecond)
	require.NoError(t, o.StartAgent(context.Background(), models.Agent{
		ID:           "engineering",
		Capabilities: []string{"engineering"},
		Capacity:     1,
	}))

	assign(t, h, "t1", "x")
	receive(t, h) // ack
	<-started
	time.Sleep(30 * time.Millisecond)

	_, err := h.Broadcast(models.Message{Sender: boss, Type: models.MessageBroadcast, Payload: models.Payload{Text: "standup"}})
	require.NoError(t, err)

	m := receive(t, h)
	assert.Equal(t, models.StatusStandup, m.Payload.Status)
	assert.Equal(t, []string{"t1"}, m.Payload.Blockers)
	assert.Contains(t, m.Payload.Text, "long-running: t1")
}

package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, ids ...string) *Hub {
	t.Helper()
	h := New()
	for _, id := range ids {
		require.NoError(t, h.RegisterAgent(id))
	}
	return h
}

func TestDeliverPriorityThenFIFO(t *testing.T) {
	h := newTestHub(t, "qa")

	send := func(text string, p models.Priority) {
		require.NoError(t, h.Send(models.Message{
			Receiver: "qa",
			Type:     models.MessageStatusUpdate,
			Priority: p,
			Payload:  models.Payload{Text: text},
		}))
	}
	send("low", models.PriorityLow)
	send("high-1", models.PriorityHigh)
	send("medium", models.PriorityMedium)
	send("high-2", models.PriorityHigh)
	send("urgent", models.PriorityUrgent)

	var got []string
	for range 5 {
		m, ok := h.TryDeliver("qa")
		require.True(t, ok)
		got = append(got, m.Payload.Text)
	}
	assert.Equal(t, []string{"urgent", "high-1", "high-2", "medium", "low"}, got)

	_, ok := h.TryDeliver("qa")
	assert.False(t, ok)
}

func TestSendStampsMessage(t *testing.T) {
	h := newTestHub(t, "qa")
	require.NoError(t, h.Send(models.Message{Receiver: "qa", Type: models.MessageCancel}))

	m, ok := h.TryDeliver("qa")
	require.True(t, ok)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, models.PriorityMedium, m.Priority)
	assert.False(t, m.Timestamp.IsZero())
	assert.NotZero(t, m.Seq)

	err := h.Send(models.Message{Type: models.MessageCancel})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestDeliverBlocksUntilSend(t *testing.T) {
	h := newTestHub(t, "design")

	got := make(chan models.Message, 1)
	go func() {
		m, err := h.Deliver(context.Background(), "design")
		if err == nil {
			got <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Send(models.Message{Receiver: "design", Type: models.MessageAssign, Payload: models.Payload{TaskID: "t1"}}))

	select {
	case m := <-got:
		assert.Equal(t, "t1", m.Payload.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestDeliverContextCancel(t *testing.T) {
	h := newTestHub(t, "design")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Deliver(ctx, "design")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = h.Deliver(context.Background(), "nobody")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDeadLetters(t *testing.T) {
	h := newTestHub(t, "legal")

	var mu sync.Mutex
	var dead []models.Message
	h.OnDeadLetter(func(m models.Message) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, m)
	})

	// Unknown receiver.
	require.NoError(t, h.Send(models.Message{Receiver: "ghost", Type: models.MessageAssign, Payload: models.Payload{TaskID: "t0"}}))

	// Queued messages of an unregistered receiver.
	require.NoError(t, h.Send(models.Message{Receiver: "legal", Type: models.MessageAssign, Payload: models.Payload{TaskID: "t1"}}))
	h.Unregister("legal")
	assert.False(t, h.Registered("legal"))

	// Arrives over a transport after the receiver left.
	h.Enqueue(models.Message{Receiver: "legal", Type: models.MessageAssign, Payload: models.Payload{TaskID: "t2"}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dead, 3)
	assert.Equal(t, "t0", dead[0].Payload.TaskID)
	assert.Equal(t, "t1", dead[1].Payload.TaskID)
	assert.Equal(t, "t2", dead[2].Payload.TaskID)
}

func TestUnregisterWakesDeliver(t *testing.T) {
	h := newTestHub(t, "ops")

	errc := make(chan error, 1)
	go func() {
		_, err := h.Deliver(context.Background(), "ops")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	h.Unregister("ops")

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, models.ErrNotFound))
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not return after unregister")
	}
}

func TestBroadcast(t *testing.T) {
	h := newTestHub(t, "a", "b", "c")
	require.NoError(t, h.RegisterMailbox(SchedulerID))

	_, err := h.Broadcast(models.Message{Sender: SchedulerID, Type: models.MessageAssign})
	assert.True(t, errors.Is(err, models.ErrValidation))

	n, err := h.Broadcast(models.Message{Sender: "a", Type: models.MessageBroadcast, Payload: models.Payload{Text: "standup"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 0, h.Len("a"))
	assert.Equal(t, 1, h.Len("b"))
	assert.Equal(t, 1, h.Len("c"))
	assert.Equal(t, 0, h.Len(SchedulerID))

	mb, _ := h.TryDeliver("b")
	mc, _ := h.TryDeliver("c")
	assert.NotEqual(t, mb.ID, mc.ID)
	assert.Equal(t, "c", mc.Receiver)
}

func TestRegisterErrors(t *testing.T) {
	h := newTestHub(t, "a")
	assert.True(t, errors.Is(h.RegisterAgent("a"), models.ErrDuplicateID))
	assert.True(t, errors.Is(h.RegisterAgent(""), models.ErrValidation))
}

func TestJournal(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: t.TempDir() + "/test.db"})
	require.NoError(t, err)
	defer s.Close()

	h := newTestHub(t, "qa")
	h.SetJournal(s)

	require.NoError(t, h.Send(models.Message{
		Receiver: "qa",
		Type:     models.MessageAssign,
		Payload:  models.Payload{TaskID: "t1", WorkflowID: "w1"},
	}))
	m, ok := h.TryDeliver("qa")
	require.True(t, ok)

	var rec models.MessageRecord
	found, err := s.Get(context.Background(), store.Key("message", m.ID), &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, "t1", rec.Payload.TaskID)

	raw, err := s.ListByParent(context.Background(), "message", "w1")
	require.NoError(t, err)
	assert.Len(t, raw, 1)
}

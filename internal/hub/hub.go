package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// SchedulerID is the reserved mailbox the dispatcher reads status updates
// from.
const SchedulerID = "scheduler"

// Message journal states.
const (
	StatusQueued     = "queued"
	StatusDelivered  = "delivered"
	StatusDeadLetter = "dead_letter"
)

// Transport moves a message from Send to the receiver's inbox. The
// receiving side must hand the message to Hub.Enqueue.
type Transport interface {
	Send(msg models.Message) error
}

// Journal persists message records. *store.Store satisfies it.
type Journal interface {
	Put(ctx context.Context, key string, rec store.Record) error
}

// LocalTransport enqueues directly into the hub, in process.
type LocalTransport struct {
	hub *Hub
}

func (t LocalTransport) Send(msg models.Message) error {
	t.hub.Enqueue(msg)
	return nil
}

type Hub struct {
	mu        sync.Mutex
	boxes     map[string]*inbox
	transport Transport
	journal   Journal
	seq       atomic.Uint64

	deadMu       sync.RWMutex
	deadLetterFn []func(models.Message)
}

func New() *Hub {
	h := &Hub{boxes: make(map[string]*inbox)}
	h.transport = LocalTransport{hub: h}
	return h
}

// SetTransport replaces the in-process transport, e.g. with NATS.
func (h *Hub) SetTransport(t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = t
}

func (h *Hub) SetJournal(j Journal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.journal = j
}

// OnDeadLetter registers fn to receive messages that could not be delivered
// because their receiver is gone.
func (h *Hub) OnDeadLetter(fn func(models.Message)) {
	h.deadMu.Lock()
	defer h.deadMu.Unlock()
	h.deadLetterFn = append(h.deadLetterFn, fn)
}

// RegisterAgent creates an agent inbox. Agent inboxes receive broadcasts.
func (h *Hub) RegisterAgent(id string) error {
	return h.register(id, false)
}

// RegisterMailbox creates a system inbox that broadcasts skip.
func (h *Hub) RegisterMailbox(id string) error {
	return h.register(id, true)
}

func (h *Hub) register(id string, system bool) error {
	if id == "" {
		return fmt.Errorf("%w: inbox id is empty", models.ErrValidation)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.boxes[id]; ok {
		return fmt.Errorf("%w: inbox %s", models.ErrDuplicateID, id)
	}
	h.boxes[id] = newInbox(system)
	return nil
}

// Unregister removes an inbox. Messages still queued become dead letters
// and blocked Deliver calls return ErrNotFound.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	box, ok := h.boxes[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.boxes, id)
	close(box.done)
	pending := box.drain()
	h.mu.Unlock()

	for _, m := range pending {
		h.deadLetter(m)
	}
}

func (h *Hub) Registered(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.boxes[id]
	return ok
}

// Send stamps msg and hands it to the transport. A message for an unknown
// receiver becomes a dead letter immediately.
func (h *Hub) Send(msg models.Message) error {
	if msg.Receiver == "" {
		return fmt.Errorf("%w: message has no receiver", models.ErrValidation)
	}
	msg = h.stamp(msg)

	h.mu.Lock()
	_, ok := h.boxes[msg.Receiver]
	t := h.transport
	h.mu.Unlock()

	if !ok {
		h.deadLetter(msg)
		return nil
	}
	if err := t.Send(msg); err != nil {
		return fmt.Errorf("send message %s: %w", msg.ID, err)
	}
	return nil
}

// Broadcast copies msg to every agent inbox except the sender's. Assign
// messages cannot be broadcast. It returns the number of receivers.
func (h *Hub) Broadcast(msg models.Message) (int, error) {
	if msg.Type == models.MessageAssign {
		return 0, fmt.Errorf("%w: assign messages cannot be broadcast", models.ErrValidation)
	}

	h.mu.Lock()
	ids := make([]string, 0, len(h.boxes))
	for id, box := range h.boxes {
		if box.system || id == msg.Sender {
			continue
		}
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		m := msg
		m.ID = ""
		m.Seq = 0
		m.Receiver = id
		if err := h.Send(m); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Enqueue places a message that arrived over the transport into its
// receiver's inbox.
func (h *Hub) Enqueue(msg models.Message) {
	if msg.Seq == 0 {
		msg = h.stamp(msg)
	}

	h.mu.Lock()
	box, ok := h.boxes[msg.Receiver]
	if ok {
		box.push(msg)
	}
	h.mu.Unlock()

	if !ok {
		h.deadLetter(msg)
		return
	}
	h.record(msg, StatusQueued)
}

// Deliver blocks until a message is available for id, ctx ends or the
// inbox is unregistered.
func (h *Hub) Deliver(ctx context.Context, id string) (models.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Message{}, err
		}
		h.mu.Lock()
		box, ok := h.boxes[id]
		if !ok {
			h.mu.Unlock()
			return models.Message{}, fmt.Errorf("%w: inbox %s", models.ErrNotFound, id)
		}
		m, got := box.pop()
		h.mu.Unlock()

		if got {
			h.record(m, StatusDelivered)
			return m, nil
		}

		select {
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		case <-box.done:
		case <-box.notify:
		}
	}
}

// TryDeliver returns the next message for id without blocking.
func (h *Hub) TryDeliver(id string) (models.Message, bool) {
	h.mu.Lock()
	box, ok := h.boxes[id]
	if !ok {
		h.mu.Unlock()
		return models.Message{}, false
	}
	m, got := box.pop()
	h.mu.Unlock()

	if got {
		h.record(m, StatusDelivered)
	}
	return m, got
}

// Len reports the number of queued messages for id.
func (h *Hub) Len(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if box, ok := h.boxes[id]; ok {
		return box.items.Len()
	}
	return 0
}

func (h *Hub) stamp(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Priority == 0 {
		msg.Priority = models.PriorityMedium
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Seq == 0 {
		msg.Seq = h.seq.Add(1)
	}
	return msg
}

func (h *Hub) deadLetter(msg models.Message) {
	slog.Warn("dead letter", "id", msg.ID, "receiver", msg.Receiver, "type", msg.Type, "task", msg.Payload.TaskID)
	h.record(msg, StatusDeadLetter)

	h.deadMu.RLock()
	fns := make([]func(models.Message), len(h.deadLetterFn))
	copy(fns, h.deadLetterFn)
	h.deadMu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (h *Hub) record(msg models.Message, status string) {
	h.mu.Lock()
	j := h.journal
	h.mu.Unlock()
	if j == nil {
		return
	}
	rec := models.MessageRecord{Message: msg, Status: status}
	if err := j.Put(context.Background(), store.Key(rec.EntityType(), msg.ID), rec); err != nil {
		slog.Warn("journal message failed", "id", msg.ID, "status", status, "error", err)
	}
}

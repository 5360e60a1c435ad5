package hub

import (
	"container/heap"

	"github.com/mtzanidakis/orkestra/internal/models"
)

// messageHeap orders messages by priority, highest first, then by sequence
// number so equal priorities stay FIFO.
type messageHeap []models.Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(models.Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = models.Message{}
	*h = old[:n-1]
	return m
}

type inbox struct {
	items  messageHeap
	system bool
	notify chan struct{} // capacity 1, signalled on every enqueue
	done   chan struct{} // closed on unregister
}

func newInbox(system bool) *inbox {
	return &inbox{
		system: system,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *inbox) push(m models.Message) {
	heap.Push(&b.items, m)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) pop() (models.Message, bool) {
	if b.items.Len() == 0 {
		return models.Message{}, false
	}
	return heap.Pop(&b.items).(models.Message), true
}

// drain empties the inbox in delivery order.
func (b *inbox) drain() []models.Message {
	out := make([]models.Message, 0, b.items.Len())
	for {
		m, ok := b.pop()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

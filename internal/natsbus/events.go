package natsbus

import (
	"log/slog"
	"time"
)

// Event is the JSON envelope published on events.* topics and forwarded
// to websocket clients.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func NewEvent(typ string, payload map[string]any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
}

// Emitter publishes engine events. Components hold one so they can run
// without a bus in tests.
type Emitter interface {
	Emit(topic, typ string, payload map[string]any)
}

type discard struct{}

func (discard) Emit(string, string, map[string]any) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

// Emit publishes an event on topic. Publish failures are logged, never
// returned: events are best effort.
func (c *Client) Emit(topic, typ string, payload map[string]any) {
	if err := c.PublishJSON(topic, NewEvent(typ, payload)); err != nil {
		slog.Warn("publish event failed", "topic", topic, "type", typ, "error", err)
	}
}

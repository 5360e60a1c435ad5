package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/nats-io/nats.go"
)

// HubTransport carries hub messages over NATS: Send publishes to the
// receiver's inbox topic and one wildcard subscription hands every
// arriving message to deliver.
type HubTransport struct {
	client *Client
	sub    *nats.Subscription
}

func NewHubTransport(client *Client, deliver func(models.Message)) (*HubTransport, error) {
	sub, err := client.Subscribe(TopicAgentInboxAll, func(msg *nats.Msg) {
		var m models.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			slog.Warn("invalid hub message payload", "subject", msg.Subject, "error", err)
			return
		}
		deliver(m)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe inboxes: %w", err)
	}
	if err := client.Flush(); err != nil {
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return &HubTransport{client: client, sub: sub}, nil
}

func (t *HubTransport) Send(msg models.Message) error {
	if err := t.client.PublishJSON(TopicAgentInbox(msg.Receiver), msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Receiver, err)
	}
	t.client.Emit(TopicEventsMessage(string(msg.Type)), "message_sent", map[string]any{
		"id":       msg.ID,
		"sender":   msg.Sender,
		"receiver": msg.Receiver,
		"priority": msg.Priority.String(),
		"task_id":  msg.Payload.TaskID,
	})
	return nil
}

func (t *HubTransport) Close() error {
	return t.sub.Unsubscribe()
}

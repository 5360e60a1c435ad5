package standup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
)

// MailboxID is the hub inbox standup replies are addressed to.
const MailboxID = "standup"

type Reply struct {
	AgentID   string   `json:"agent_id"`
	Active    int      `json:"active"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Blockers  []string `json:"blockers,omitempty"`
	Text      string   `json:"text"`
}

type Summary struct {
	At       time.Time `json:"at"`
	Expected int       `json:"expected"`
	Replies  []Reply   `json:"replies"`
	Stalled  []string  `json:"stalled,omitempty"`
}

// Blockers returns every long-running task reported by an agent.
func (s *Summary) Blockers() []string {
	var out []string
	for _, r := range s.Replies {
		out = append(out, r.Blockers...)
	}
	return out
}

// Text renders the summary as plain lines, one per agent.
func (s *Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Standup %s: %d/%d agents replied\n", s.At.UTC().Format(time.RFC3339), len(s.Replies), s.Expected)
	for _, r := range s.Replies {
		b.WriteString("- ")
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	if len(s.Stalled) > 0 {
		fmt.Fprintf(&b, "Blocked: %d task(s) waiting for capacity: %s\n", len(s.Stalled), strings.Join(s.Stalled, ", "))
	}
	return b.String()
}

// Collector broadcasts status queries and gathers the replies. One
// standup runs at a time.
type Collector struct {
	hub     *hub.Hub
	timeout time.Duration
	mu      sync.Mutex
}

func NewCollector(h *hub.Hub, timeout time.Duration) (*Collector, error) {
	if err := h.RegisterMailbox(MailboxID); err != nil {
		return nil, fmt.Errorf("register standup mailbox: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Collector{hub: h, timeout: timeout}, nil
}

// Run broadcasts a standup query and waits until every agent answered or
// the timeout passed. stalled lists tasks blocked on capacity.
func (c *Collector) Run(ctx context.Context, stalled []string) (*Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Replies from an earlier round that timed out.
	for {
		if _, ok := c.hub.TryDeliver(MailboxID); !ok {
			break
		}
	}

	n, err := c.hub.Broadcast(models.Message{
		Sender:   MailboxID,
		Type:     models.MessageBroadcast,
		Priority: models.PriorityHigh,
		Payload:  models.Payload{Text: "standup"},
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast standup: %w", err)
	}

	s := &Summary{At: time.Now(), Expected: n, Stalled: stalled}
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for len(s.Replies) < n {
		msg, err := c.hub.Deliver(wctx, MailboxID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("standup timed out", "expected", n, "replies", len(s.Replies))
				break
			}
			return nil, err
		}
		if msg.Payload.Status != models.StatusStandup {
			continue
		}
		s.Replies = append(s.Replies, Reply{
			AgentID:   msg.Sender,
			Active:    msg.Payload.Active,
			Completed: msg.Payload.Completed,
			Failed:    msg.Payload.Failed,
			Blockers:  msg.Payload.Blockers,
			Text:      msg.Payload.Text,
		})
	}

	sort.Slice(s.Replies, func(i, j int) bool { return s.Replies[i].AgentID < s.Replies[j].AgentID })
	return s, nil
}

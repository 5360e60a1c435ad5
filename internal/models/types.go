package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Priority orders tasks in the ready queue and messages in agent inboxes.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityUrgent {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = 0
		return nil
	}
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type WorkflowState string

const (
	WorkflowPending         WorkflowState = "pending"
	WorkflowRunning         WorkflowState = "running"
	WorkflowCompleted       WorkflowState = "completed"
	WorkflowPartiallyFailed WorkflowState = "partially_failed"
	WorkflowCancelled       WorkflowState = "cancelled"
)

func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowPartiallyFailed || s == WorkflowCancelled
}

// Persona is the configuration record an agent hands to the provider.
type Persona struct {
	Name        string  `json:"name" yaml:"name"`
	Prompt      string  `json:"prompt" yaml:"prompt"`
	Model       string  `json:"model,omitempty" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	Load         int      `json:"load"`
	Persona      Persona  `json:"persona"`
}

// ValidateAgentID rejects ids that cannot be used as a single NATS subject
// token: empty ids and ids containing '.', '*', '>' or whitespace.
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: agent id is empty", ErrValidation)
	}
	for _, r := range id {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return fmt.Errorf("%w: agent id %q contains %q", ErrValidation, id, r)
		}
	}
	return nil
}

func (a Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type Task struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Phase       int        `json:"phase"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Capability  string     `json:"capability"`
	Priority    Priority   `json:"priority"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	State       TaskState  `json:"state"`
	AgentID     string     `json:"agent_id,omitempty"`
	Attempts    int        `json:"attempts"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Output      string     `json:"output,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t Task) EntityType() string   { return "task" }
func (t Task) RecordStatus() string { return string(t.State) }
func (t Task) RecordParent() string { return t.WorkflowID }

// Clone returns a copy that shares no slices or pointers with t.
func (t Task) Clone() Task {
	c := t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return c
}

type Phase struct {
	Name    string   `json:"name"`
	TaskIDs []string `json:"task_ids"`
}

// Workflow is the phased plan for one submission. State is a persisted
// snapshot of the value derived from task states; it is never set directly.
type Workflow struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Description     string        `json:"description"`
	Priority        Priority      `json:"priority"`
	Capabilities    []string      `json:"capabilities,omitempty"`
	Phases          []Phase       `json:"phases"`
	State           WorkflowState `json:"state"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (w Workflow) EntityType() string   { return "workflow" }
func (w Workflow) RecordStatus() string { return string(w.State) }
func (w Workflow) RecordParent() string { return "" }

func (w Workflow) Clone() Workflow {
	c := w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	c.Phases = make([]Phase, len(w.Phases))
	for i, p := range w.Phases {
		c.Phases[i] = Phase{Name: p.Name, TaskIDs: append([]string(nil), p.TaskIDs...)}
	}
	if w.CancelledAt != nil {
		d := *w.CancelledAt
		c.CancelledAt = &d
	}
	return c
}

type MessageType string

const (
	MessageAssign       MessageType = "assign"
	MessageStatusUpdate MessageType = "status_update"
	MessageCancel       MessageType = "cancel"
	MessageBroadcast    MessageType = "broadcast"
)

// Status values carried by StatusUpdate messages.
const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStandup   = "standup"
)

type Payload struct {
	TaskID     string `json:"task_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Capability string `json:"capability,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Status     string `json:"status,omitempty"`
	Output     string `json:"output,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	Text       string `json:"text,omitempty"`
	Active     int    `json:"active,omitempty"`
	Completed  int    `json:"completed,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	// Blockers lists tasks an agent has been working on for too long.
	Blockers []string `json:"blockers,omitempty"`
}

type Message struct {
	ID        string      `json:"id"`
	Sender    string      `json:"sender"`
	Receiver  string      `json:"receiver"`
	Type      MessageType `json:"type"`
	Priority  Priority    `json:"priority"`
	Payload   Payload     `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq,omitempty"`
}

// MessageRecord is the durable form of a hub message.
type MessageRecord struct {
	Message
	Status string `json:"status"`
}

func (m MessageRecord) EntityType() string   { return "message" }
func (m MessageRecord) RecordStatus() string { return m.Status }
func (m MessageRecord) RecordParent() string { return m.Payload.WorkflowID }

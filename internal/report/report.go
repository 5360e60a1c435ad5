package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/models"
)

// Fragment is one task's contribution to a report: its output when the
// task completed, otherwise a gap.
type Fragment struct {
	Phase      int              `json:"phase"`
	PhaseName  string           `json:"phase_name"`
	TaskID     string           `json:"task_id"`
	Title      string           `json:"title"`
	Capability string           `json:"capability"`
	AgentID    string           `json:"agent_id,omitempty"`
	Priority   models.Priority  `json:"priority"`
	State      models.TaskState `json:"state"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Output     string           `json:"output,omitempty"`
}

func (f Fragment) Gap() bool {
	return f.State != models.TaskCompleted
}

// Marker renders the gap line for a task that did not complete.
func (f Fragment) Marker() string {
	if f.ErrorKind == "" {
		return fmt.Sprintf("[gap: %s (%s)]", f.Title, f.State)
	}
	return fmt.Sprintf("[gap: %s (%s: %s)]", f.Title, f.State, f.ErrorKind)
}

type Report struct {
	WorkflowID  string               `json:"workflow_id"`
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description"`
	State       models.WorkflowState `json:"state"`
	Partial     bool                 `json:"partial"`
	Fragments   []Fragment           `json:"fragments"`
}

// Aggregate builds the final report of a terminal workflow. Fragments are
// ordered by phase, then priority (highest first), then task id, so the
// same task states always yield the same report.
func Aggregate(w models.Workflow, tasks []models.Task) (*Report, error) {
	if !w.State.Terminal() {
		return nil, fmt.Errorf("%w: workflow %s is %s", models.ErrValidation, w.ID, w.State)
	}
	return build(w, tasks, false), nil
}

// Partial builds a report of what a workflow has produced so far. It
// accepts workflows in any state.
func Partial(w models.Workflow, tasks []models.Task) *Report {
	return build(w, tasks, !w.State.Terminal())
}

func build(w models.Workflow, tasks []models.Task, partial bool) *Report {
	r := &Report{
		WorkflowID:  w.ID,
		Name:        w.Name,
		Description: w.Description,
		State:       w.State,
		Partial:     partial,
		Fragments:   make([]Fragment, 0, len(tasks)),
	}
	for _, t := range tasks {
		f := Fragment{
			Phase:      t.Phase,
			TaskID:     t.ID,
			Title:      t.Title,
			Capability: t.Capability,
			AgentID:    t.AgentID,
			Priority:   t.Priority,
			State:      t.State,
			ErrorKind:  t.ErrorKind,
		}
		if t.Phase >= 0 && t.Phase < len(w.Phases) {
			f.PhaseName = w.Phases[t.Phase].Name
		}
		if t.State == models.TaskCompleted {
			f.Output = strings.TrimSpace(t.Output)
		}
		r.Fragments = append(r.Fragments, f)
	}

	sort.Slice(r.Fragments, func(i, j int) bool {
		a, b := r.Fragments[i], r.Fragments[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.TaskID < b.TaskID
	})
	return r
}

// Gaps returns the fragments of tasks that did not complete.
func (r *Report) Gaps() []Fragment {
	var out []Fragment
	for _, f := range r.Fragments {
		if f.Gap() {
			out = append(out, f)
		}
	}
	return out
}

// Markdown renders the report. The output depends only on the report's
// fields; it carries no timestamps.
func (r *Report) Markdown() []byte {
	var b bytes.Buffer

	title := r.Name
	if title == "" {
		title = r.Description
	}
	fmt.Fprintf(&b, "# Workflow Report: %s\n\n", firstLine(title))
	fmt.Fprintf(&b, "- Workflow: %s\n", r.WorkflowID)
	fmt.Fprintf(&b, "- State: %s\n", r.State)
	if r.Partial {
		b.WriteString("- Partial: yes\n")
	}
	if r.Name != "" && r.Description != "" && r.Description != r.Name {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(r.Description))
	}

	phase := -1
	for _, f := range r.Fragments {
		if f.Phase != phase {
			phase = f.Phase
			name := f.PhaseName
			if name == "" {
				name = fmt.Sprintf("Phase %d", f.Phase+1)
			}
			fmt.Fprintf(&b, "\n## %s\n", name)
		}

		if f.Gap() {
			fmt.Fprintf(&b, "\n%s\n", f.Marker())
			continue
		}
		if f.AgentID != "" {
			fmt.Fprintf(&b, "\n### %s (%s, by %s)\n\n", f.Title, f.Capability, f.AgentID)
		} else {
			fmt.Fprintf(&b, "\n### %s (%s)\n\n", f.Title, f.Capability)
		}
		b.WriteString(f.Output)
		b.WriteString("\n")
	}
	return b.Bytes()
}

// Digest returns the hex SHA-256 of rendered report bytes.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

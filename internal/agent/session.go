package agent

import (
	"context"
	"sync"
	"time"
)

// Session is one task an agent is working on.
type Session struct {
	TaskID     string    `json:"task_id"`
	WorkflowID string    `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`

	cancel    context.CancelFunc
	cancelled bool
}

type SessionTracker struct {
	sessions map[string]*Session // taskID → session
	mu       sync.RWMutex
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]*Session),
	}
}

func (t *SessionTracker) Set(taskID string, session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[taskID] = session
}

// Remove drops the session unless a newer session for the same task
// replaced it, and reports whether it had been cancelled.
func (t *SessionTracker) Remove(s *Session) (cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.TaskID] == s {
		delete(t.sessions, s.TaskID)
	}
	return s.cancelled
}

// Cancel marks the session cancelled and stops its provider call.
func (t *SessionTracker) Cancel(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[taskID]
	if !ok {
		return false
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

func (t *SessionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ListOlderThan returns task ids that have been running longer than d.
func (t *SessionTracker) ListOlderThan(d time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	now := time.Now()
	for taskID, s := range t.sessions {
		if now.Sub(s.StartedAt) > d {
			out = append(out, taskID)
		}
	}
	return out
}

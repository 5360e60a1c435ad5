// Package ipc serves engine commands over NATS request/reply so that local
// tools can drive a running orkestra instance.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/engine"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/nats-io/nats.go"
)

// Command types.
const (
	CmdSubmitTask     = "submit_task"
	CmdSubmitWorkflow = "submit_workflow"
	CmdStartTemplate  = "start_template"
	CmdListTemplates  = "list_templates"
	CmdStatus         = "status"
	CmdCancel         = "cancel"
	CmdReport         = "report"
	CmdListWorkflows  = "list_workflows"
	CmdAgents         = "agents"
	CmdStandup        = "standup"
)

// Error codes carried in Response.Code.
const (
	CodeInvalid     = "invalid"
	CodeNotFound    = "not_found"
	CodeNotFinished = "not_finished"
	CodeInternal    = "internal"
)

type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK        bool                 `json:"ok,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
	ID        string               `json:"id,omitempty"`
	State     string               `json:"state,omitempty"`
	Status    *engine.Status       `json:"status,omitempty"`
	Report    string               `json:"report,omitempty"`
	Digest    string               `json:"digest,omitempty"`
	Workflows []models.Workflow    `json:"workflows,omitempty"`
	Agents    []engine.AgentStatus `json:"agents,omitempty"`
	Templates []engine.Template    `json:"templates,omitempty"`
	Text      string               `json:"text,omitempty"`
}

type Server struct {
	engine *engine.Engine
	client *natsbus.Client
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewServer(eng *engine.Engine, client *natsbus.Client) *Server {
	return &Server{engine: eng, client: client}
}

// Start subscribes to the IPC topic. Requests are served concurrently.
func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicIPCOrkestra, func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.sub = sub
	return s.client.Flush()
}

func (s *Server) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe ipc", "error", err)
		}
	}
	s.wg.Wait()
}

func (s *Server) handle(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, &Response{Error: "invalid command", Code: CodeInvalid})
		return
	}
	slog.Debug("IPC command received", "type", req.Type)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	resp, err := s.dispatch(ctx, req)
	if err != nil {
		resp = &Response{Error: err.Error(), Code: errorCode(err)}
	} else {
		resp.OK = true
	}
	respond(msg, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) (*Response, error) {
	switch req.Type {
	case CmdSubmitTask:
		var p struct {
			Description string `json:"description"`
			Priority    string `json:"priority"`
		}
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		priority, err := models.ParsePriority(p.Priority)
		if err != nil {
			return nil, err
		}
		id, err := s.engine.SubmitTask(ctx, p.Description, priority)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id}, nil

	case CmdSubmitWorkflow:
		var p struct {
			Definition string `json:"definition"`
		}
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		def, err := planner.ParseDefinition([]byte(p.Definition))
		if err != nil {
			return nil, err
		}
		id, err := s.engine.SubmitWorkflow(ctx, def)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id}, nil

	case CmdStartTemplate:
		var p struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Priority    string `json:"priority"`
		}
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
		}
		var priority models.Priority
		if p.Priority != "" {
			var err error
			if priority, err = models.ParsePriority(p.Priority); err != nil {
				return nil, err
			}
		}
		id, err := s.engine.SubmitTemplate(ctx, p.Name, p.Description, priority)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id}, nil

	case CmdListTemplates:
		return &Response{Templates: s.engine.Templates()}, nil

	case CmdStatus:
		id, err := workflowID(req.Payload)
		if err != nil {
			return nil, err
		}
		st, err := s.engine.GetWorkflowStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, State: string(st.Workflow.State), Status: st}, nil

	case CmdCancel:
		id, err := workflowID(req.Payload)
		if err != nil {
			return nil, err
		}
		state, err := s.engine.CancelWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, State: string(state)}, nil

	case CmdReport:
		id, err := workflowID(req.Payload)
		if err != nil {
			return nil, err
		}
		r, err := s.engine.Report(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, State: r.State, Report: string(r.Content), Digest: r.Digest}, nil

	case CmdListWorkflows:
		wfs, err := s.engine.ListWorkflows(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Workflows: wfs}, nil

	case CmdAgents:
		return &Response{Agents: s.engine.Agents()}, nil

	case CmdStandup:
		text, err := s.engine.StandupText(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Text: text}, nil
	}

	slog.Warn("unknown IPC command", "type", req.Type)
	return nil, fmt.Errorf("%w: unknown command: %s", models.ErrValidation, req.Type)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: invalid payload", models.ErrValidation)
	}
	return nil
}

func workflowID(payload json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	return p.ID, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrClassification),
		errors.Is(err, models.ErrInvalidWorkflow):
		return CodeInvalid
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, engine.ErrNotFinished):
		return CodeNotFinished
	}
	return CodeInternal
}

func respond(msg *nats.Msg, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

// Call sends one command and waits for the reply.
func Call(c *natsbus.Client, typ string, payload any, timeout time.Duration) (*Response, error) {
	req := Request{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := c.Request(natsbus.TopicIPCOrkestra, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

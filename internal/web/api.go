package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/engine"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
)

const maxBodySize = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows", s.submitTask)
	mux.HandleFunc("POST /api/workflows/custom", s.submitWorkflow)
	mux.HandleFunc("POST /api/workflows/preview", s.previewTask)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.cancelWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/report", s.getReport)

	// Templates
	mux.HandleFunc("GET /api/templates", s.listTemplates)
	mux.HandleFunc("POST /api/templates/{name}", s.submitTemplate)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/standup", s.runStandup)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type submitRequest struct {
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

func (req submitRequest) parse() (string, models.Priority, error) {
	if strings.TrimSpace(req.Description) == "" {
		return "", 0, fmt.Errorf("%w: description is required", models.ErrValidation)
	}
	p, err := models.ParsePriority(req.Priority)
	if err != nil {
		return "", 0, err
	}
	return req.Description, p, nil
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	desc, priority, err := body.parse()
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.engine.SubmitTask(r.Context(), desc, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/workflows/"+id)
	jsonStatus(w, map[string]string{"id": id}, http.StatusAccepted)
}

// submitWorkflow accepts a workflow definition as YAML or JSON.
func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	def, err := planner.ParseDefinition(data)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.engine.SubmitWorkflow(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/workflows/"+id)
	jsonStatus(w, map[string]string{"id": id}, http.StatusAccepted)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.engine.Templates())
}

// submitTemplate starts a configured template. The body is optional and
// may override the description and priority.
func (s *Server) submitTemplate(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var priority models.Priority
	if body.Priority != "" {
		p, err := models.ParsePriority(body.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		priority = p
	}

	id, err := s.engine.SubmitTemplate(r.Context(), r.PathValue("name"), body.Description, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/workflows/"+id)
	jsonStatus(w, map[string]string{"id": id}, http.StatusAccepted)
}

func (s *Server) previewTask(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	desc, priority, err := body.parse()
	if err != nil {
		writeError(w, err)
		return
	}

	plan, err := s.engine.Preview(desc, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"workflow": plan.Workflow,
		"tasks":    plan.Tasks,
		"levels":   plan.Levels,
	})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.engine.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := wfs[:0]
		for _, wf := range wfs {
			if string(wf.State) == state {
				filtered = append(filtered, wf)
			}
		}
		wfs = filtered
	}
	if wfs == nil {
		wfs = []models.Workflow{}
	}
	jsonResponse(w, wfs)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetWorkflowStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.engine.CancelWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": id, "state": string(state)})
}

// getReport serves the final report as JSON, or as markdown when asked
// with ?format=markdown.
func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("ETag", `"`+rep.Digest+`"`)
		w.Write(rep.Content)
		return
	}
	jsonResponse(w, map[string]any{
		"workflow_id": rep.WorkflowID,
		"state":       rep.State,
		"digest":      rep.Digest,
		"content":     string(rep.Content),
		"created_at":  rep.CreatedAt,
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.engine.Agents())
}

func (s *Server) runStandup(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Standup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"at":       summary.At,
		"expected": summary.Expected,
		"replies":  summary.Replies,
		"stalled":  summary.Stalled,
		"blockers": summary.Blockers(),
		"text":     summary.Text(),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	jsonResponse(w, map[string]any{
		"status":           "ok",
		"active_workflows": stats.ActiveWorkflows,
		"ready_tasks":      stats.Ready,
		"in_flight_tasks":  stats.InFlight,
		"stalled_tasks":    stats.Stalled,
		"agents_count":     stats.Agents,
		"ws_clients":       s.hub.Len(),
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"nats":             s.natsStatus(),
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	})
}

func (s *Server) natsStatus() string {
	if s.nats == nil {
		return "disabled"
	}
	return "ok"
}

// statusCode maps engine errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrClassification),
		errors.Is(err, models.ErrInvalidWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotFinished):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	jsonError(w, err.Error(), statusCode(err))
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, data, http.StatusOK)
}

func jsonStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
)

// Template is a named workflow definition from the config file.
type Template struct {
	Name       string             `json:"name"`
	Definition planner.Definition `json:"definition"`
}

// Templates lists the configured workflow templates by name.
func (e *Engine) Templates() []Template {
	e.mu.Lock()
	defs := e.cfg.Workflows
	e.mu.Unlock()

	out := make([]Template, 0, len(defs))
	for name, def := range defs {
		out = append(out, Template{Name: name, Definition: def})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SubmitTemplate starts the named template. A non-empty description and a
// non-zero priority replace the template's own.
func (e *Engine) SubmitTemplate(ctx context.Context, name, description string, priority models.Priority) (string, error) {
	e.mu.Lock()
	def, ok := e.cfg.Workflows[name]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: workflow template %q", models.ErrNotFound, name)
	}

	if def.Name == "" {
		def.Name = name
	}
	if d := strings.TrimSpace(description); d != "" {
		def.Description = d
	}
	if priority != 0 {
		if priority < models.PriorityLow || priority > models.PriorityUrgent {
			return "", fmt.Errorf("%w: invalid priority %d", models.ErrValidation, priority)
		}
		def.Priority = priority
	}
	return e.SubmitWorkflow(ctx, &def)
}

// checkTemplates plans every template once so broken ones are reported
// before anyone starts them.
func (e *Engine) checkTemplates(defs map[string]planner.Definition) error {
	for name, def := range defs {
		if _, err := e.planner.PlanCustom(&def); err != nil {
			return fmt.Errorf("workflow template %q: %w", name, err)
		}
	}
	return nil
}

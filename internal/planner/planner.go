package planner

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/orkestra/internal/models"
)

// Canonical phase sequence for classified submissions.
var Phases = []string{"Analysis", "Design", "Implementation", "Review"}

// DefaultPhaseMap places each built-in capability in one canonical phase.
var DefaultPhaseMap = map[string]string{
	"product":     "Analysis",
	"finance":     "Analysis",
	"data":        "Analysis",
	"hr":          "Analysis",
	"design":      "Design",
	"legal":       "Design",
	"engineering": "Implementation",
	"marketing":   "Implementation",
	"operations":  "Implementation",
	"sales":       "Implementation",
	"qa":          "Review",
	"security":    "Review",
	"executive":   "Review",
}

// Plan is a workflow and its tasks, not yet persisted.
type Plan struct {
	Workflow *models.Workflow
	Tasks    []*models.Task
	// Levels lists, per phase, groups of task ids that may run side by side.
	Levels [][][]string
}

type Planner struct {
	phaseOf    map[string]int
	sequential map[string]bool
	now        func() time.Time
}

// New builds a planner. overrides maps capability to phase name and is
// layered over DefaultPhaseMap; capabilities in sequential get their tasks
// chained inside a phase.
func New(overrides map[string]string, sequential []string) (*Planner, error) {
	phaseIndex := make(map[string]int, len(Phases))
	for i, p := range Phases {
		phaseIndex[strings.ToLower(p)] = i
	}

	p := &Planner{
		phaseOf:    make(map[string]int),
		sequential: make(map[string]bool, len(sequential)),
		now:        time.Now,
	}
	for c, phase := range DefaultPhaseMap {
		p.phaseOf[c] = phaseIndex[strings.ToLower(phase)]
	}
	for c, phase := range overrides {
		idx, ok := phaseIndex[strings.ToLower(phase)]
		if !ok {
			return nil, fmt.Errorf("capability %q mapped to unknown phase %q", c, phase)
		}
		p.phaseOf[c] = idx
	}
	for _, c := range sequential {
		p.sequential[c] = true
	}
	return p, nil
}

// PhaseOf returns the canonical phase index for capability. Unknown
// capabilities land in Implementation.
func (p *Planner) PhaseOf(capability string) int {
	if idx, ok := p.phaseOf[capability]; ok {
		return idx
	}
	return 2
}

// Plan builds the canonical four-phase workflow for a classified
// submission. Every task in a phase depends on every task of the nearest
// earlier non-empty phase.
func (p *Planner) Plan(description string, capabilities []string, priority models.Priority) (*Plan, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: empty description", models.ErrValidation)
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("%w: no capabilities", models.ErrInvalidWorkflow)
	}

	now := p.now()
	w := &models.Workflow{
		ID:           uuid.New().String(),
		Description:  description,
		Priority:     priority,
		Capabilities: append([]string(nil), capabilities...),
		Phases:       make([]models.Phase, len(Phases)),
		State:        models.WorkflowPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, name := range Phases {
		w.Phases[i] = models.Phase{Name: name, TaskIDs: []string{}}
	}

	byPhase := make([][]*models.Task, len(Phases))
	seen := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		if seen[c] {
			continue
		}
		seen[c] = true
		idx := p.PhaseOf(c)
		byPhase[idx] = append(byPhase[idx], &models.Task{
			ID:          uuid.New().String(),
			WorkflowID:  w.ID,
			Phase:       idx,
			Title:       fmt.Sprintf("%s %s", titleCase(c), strings.ToLower(Phases[idx])),
			Description: description,
			Capability:  c,
			Priority:    priority,
			State:       models.TaskPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	var tasks []*models.Task
	var barrier []string
	for idx, phaseTasks := range byPhase {
		for _, t := range phaseTasks {
			t.DependsOn = append(t.DependsOn, barrier...)
			w.Phases[idx].TaskIDs = append(w.Phases[idx].TaskIDs, t.ID)
			tasks = append(tasks, t)
		}
		p.chainSequential(phaseTasks)
		if len(phaseTasks) > 0 {
			barrier = barrier[:0:0]
			for _, t := range phaseTasks {
				barrier = append(barrier, t.ID)
			}
		}
	}

	return p.finish(w, tasks)
}

// chainSequential makes every task of a sequential capability wait for
// the tasks listed before it in the same phase.
func (p *Planner) chainSequential(phaseTasks []*models.Task) {
	for i, t := range phaseTasks {
		if !p.sequential[t.Capability] {
			continue
		}
		for _, prev := range phaseTasks[:i] {
			if !slices.Contains(t.DependsOn, prev.ID) {
				t.DependsOn = append(t.DependsOn, prev.ID)
			}
		}
	}
}

func (p *Planner) finish(w *models.Workflow, tasks []*models.Task) (*Plan, error) {
	graph := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		graph[t.ID] = t.DependsOn
	}
	if err := DetectCycle(graph); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidWorkflow, err)
	}

	levels := make([][][]string, len(w.Phases))
	for i, phase := range w.Phases {
		sub := make(map[string][]string, len(phase.TaskIDs))
		for _, id := range phase.TaskIDs {
			sub[id] = graph[id]
		}
		lv, err := Levels(sub)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrInvalidWorkflow, err)
		}
		levels[i] = lv
	}

	return &Plan{Workflow: w, Tasks: tasks, Levels: levels}, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

package planner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mtzanidakis/orkestra/internal/models"
	"gopkg.in/yaml.v3"
)

// Definition is a user-supplied workflow with explicit phases, tasks and
// dependencies. Tasks reference each other by key.
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Priority    models.Priority   `yaml:"priority" json:"priority"`
	Phases      []PhaseDefinition `yaml:"phases" json:"phases"`
}

type PhaseDefinition struct {
	Name  string           `yaml:"name" json:"name"`
	Tasks []TaskDefinition `yaml:"tasks" json:"tasks"`
}

type TaskDefinition struct {
	Key         string          `yaml:"key" json:"key"`
	Title       string          `yaml:"title" json:"title"`
	Description string          `yaml:"description" json:"description"`
	Capability  string          `yaml:"capability" json:"capability"`
	Priority    models.Priority `yaml:"priority" json:"priority"`
	DependsOn   []string        `yaml:"depends_on" json:"depends_on"`
}

func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: parse workflow definition: %v", models.ErrValidation, err)
	}
	return &def, nil
}

// PlanCustom validates a definition and turns it into a plan. Unknown or
// forward references and dependency cycles fail with ErrInvalidWorkflow.
// Sequential capabilities are chained after the earlier tasks of their
// phase, which can also close a cycle.
func (p *Planner) PlanCustom(def *Definition) (*Plan, error) {
	if def == nil || len(def.Phases) == 0 {
		return nil, fmt.Errorf("%w: workflow has no phases", models.ErrInvalidWorkflow)
	}
	priority := def.Priority
	if priority == 0 {
		priority = models.PriorityMedium
	}
	description := strings.TrimSpace(def.Description)
	if description == "" {
		description = def.Name
	}

	now := p.now()
	w := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        def.Name,
		Description: description,
		Priority:    priority,
		Phases:      make([]models.Phase, len(def.Phases)),
		State:       models.WorkflowPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ids := make(map[string]string)
	phaseOfKey := make(map[string]int)
	capSet := make(map[string]bool)
	for pi, ph := range def.Phases {
		if strings.TrimSpace(ph.Name) == "" {
			return nil, fmt.Errorf("%w: phase %d has no name", models.ErrInvalidWorkflow, pi)
		}
		for _, td := range ph.Tasks {
			if td.Key == "" {
				return nil, fmt.Errorf("%w: task in phase %q has no key", models.ErrInvalidWorkflow, ph.Name)
			}
			if td.Capability == "" {
				return nil, fmt.Errorf("%w: task %q has no capability", models.ErrInvalidWorkflow, td.Key)
			}
			if _, dup := ids[td.Key]; dup {
				return nil, fmt.Errorf("%w: duplicate task key %q", models.ErrInvalidWorkflow, td.Key)
			}
			ids[td.Key] = uuid.New().String()
			phaseOfKey[td.Key] = pi
			if !capSet[td.Capability] {
				capSet[td.Capability] = true
				w.Capabilities = append(w.Capabilities, td.Capability)
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: workflow has no tasks", models.ErrInvalidWorkflow)
	}

	// Cycle check runs on keys so the error names what the user wrote.
	keyGraph := make(map[string][]string, len(ids))
	for _, ph := range def.Phases {
		for _, td := range ph.Tasks {
			for _, dep := range td.DependsOn {
				if _, ok := ids[dep]; !ok {
					return nil, fmt.Errorf("%w: task %q depends on unknown task %q", models.ErrInvalidWorkflow, td.Key, dep)
				}
			}
			keyGraph[td.Key] = td.DependsOn
		}
	}
	if err := DetectCycle(keyGraph); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidWorkflow, err)
	}

	var tasks []*models.Task
	for pi, ph := range def.Phases {
		w.Phases[pi] = models.Phase{Name: ph.Name, TaskIDs: []string{}}
		var phaseTasks []*models.Task
		for _, td := range ph.Tasks {
			for _, dep := range td.DependsOn {
				if phaseOfKey[dep] > pi {
					return nil, fmt.Errorf("%w: task %q depends on %q from a later phase", models.ErrInvalidWorkflow, td.Key, dep)
				}
			}
			deps := make([]string, 0, len(td.DependsOn))
			for _, dep := range td.DependsOn {
				deps = append(deps, ids[dep])
			}
			tp := td.Priority
			if tp == 0 {
				tp = priority
			}
			title := td.Title
			if title == "" {
				title = td.Key
			}
			desc := td.Description
			if desc == "" {
				desc = description
			}
			t := &models.Task{
				ID:          ids[td.Key],
				WorkflowID:  w.ID,
				Phase:       pi,
				Title:       title,
				Description: desc,
				Capability:  td.Capability,
				Priority:    tp,
				DependsOn:   deps,
				State:       models.TaskPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			w.Phases[pi].TaskIDs = append(w.Phases[pi].TaskIDs, t.ID)
			tasks = append(tasks, t)
			phaseTasks = append(phaseTasks, t)
		}
		p.chainSequential(phaseTasks)
	}

	return p.finish(w, tasks)
}

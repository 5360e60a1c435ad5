package config

import (
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/planner"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Agents: map[string]AgentDefinition{
			"eng": {Capabilities: []string{"engineering"}, Capacity: 1},
		},
		Standup: StandupConfig{Schedule: "@every 1h"},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_Agents(t *testing.T) {
	old := &Config{
		Agents: map[string]AgentDefinition{
			"eng":    {Capabilities: []string{"engineering"}, Capacity: 1},
			"design": {Capabilities: []string{"design"}, Capacity: 1},
		},
	}
	new := &Config{
		Agents: map[string]AgentDefinition{
			"eng": {Capabilities: []string{"engineering"}, Capacity: 2},
			"qa":  {Capabilities: []string{"qa"}, Capacity: 1},
		},
	}
	d := Diff(old, new)
	if len(d.AgentsAdded) != 1 || d.AgentsAdded[0] != "qa" {
		t.Errorf("expected qa added, got %v", d.AgentsAdded)
	}
	if len(d.AgentsRemoved) != 1 || d.AgentsRemoved[0] != "design" {
		t.Errorf("expected design removed, got %v", d.AgentsRemoved)
	}
	if len(d.AgentsChanged) != 1 || d.AgentsChanged[0] != "eng" {
		t.Errorf("expected eng changed, got %v", d.AgentsChanged)
	}
	if !d.HasChanges() {
		t.Error("expected changes")
	}
}

func TestDiff_StandupAndNonReloadable(t *testing.T) {
	old := &Config{
		Standup: StandupConfig{Schedule: "@every 1h", Timeout: time.Second},
		Web:     WebConfig{Port: 8080},
		Engine:  EngineConfig{MaxWorkers: 2},
	}
	new := &Config{
		Standup: StandupConfig{Schedule: "0 9 * * *", Timeout: time.Second},
		Web:     WebConfig{Port: 9090},
		Engine:  EngineConfig{MaxWorkers: 4},
	}
	d := Diff(old, new)
	if !d.StandupChanged || d.NewStandup.Schedule != "0 9 * * *" {
		t.Errorf("expected standup change, got %+v", d)
	}
	if len(d.NonReloadable) != 2 {
		t.Errorf("expected engine and web.port as non-reloadable, got %v", d.NonReloadable)
	}
}

func TestDiff_Workflows(t *testing.T) {
	old := &Config{}
	new := &Config{Workflows: map[string]planner.Definition{
		"launch": {Name: "Launch", Phases: []planner.PhaseDefinition{{Name: "Plan"}}},
	}}
	d := Diff(old, new)
	if !d.WorkflowsChanged || !d.HasChanges() {
		t.Errorf("expected workflows change, got %+v", d)
	}
	if d := Diff(new, new); d.WorkflowsChanged {
		t.Error("identical templates reported as changed")
	}
}

package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	StandupChanged bool
	NewStandup     StandupConfig

	WorkflowsChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.StandupChanged ||
		d.WorkflowsChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok && !reflect.DeepEqual(oldDef, newDef) {
			d.AgentsChanged = append(d.AgentsChanged, name)
		}
	}
	sort.Strings(d.AgentsAdded)
	sort.Strings(d.AgentsRemoved)
	sort.Strings(d.AgentsChanged)

	if old.Standup != new.Standup {
		d.StandupChanged = true
		d.NewStandup = new.Standup
	}

	d.WorkflowsChanged = !reflect.DeepEqual(old.Workflows, new.Workflows)

	if old.Engine != new.Engine {
		d.NonReloadable = append(d.NonReloadable, "engine")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.NonReloadable = append(d.NonReloadable, "provider")
	}
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if !reflect.DeepEqual(old.Classifier, new.Classifier) {
		d.NonReloadable = append(d.NonReloadable, "classifier")
	}
	if !reflect.DeepEqual(old.Planner, new.Planner) {
		d.NonReloadable = append(d.NonReloadable, "planner")
	}

	return d
}

package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Stats are per-agent outcome counters.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Registry is the single owner of agent records and their load counters.
// Every index lookup and load change goes through its mutex.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*models.Agent
	index  map[string][]string // capability -> agent ids, least loaded first
	stats  map[string]*Stats

	onDeregister []func(agentID string)
}

func New() *Registry {
	return &Registry{
		agents: make(map[string]*models.Agent),
		index:  make(map[string][]string),
		stats:  make(map[string]*Stats),
	}
}

// FromDefinitions converts the configured catalog into agent records,
// sorted by id.
func FromDefinitions(defs map[string]config.AgentDefinition) []models.Agent {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.Agent, 0, len(defs))
	for _, id := range ids {
		out = append(out, FromDefinition(id, defs[id]))
	}
	return out
}

func FromDefinition(id string, def config.AgentDefinition) models.Agent {
	name := def.Name
	if name == "" {
		name = id
	}
	capacity := def.Capacity
	if capacity == 0 {
		capacity = 1
	}
	return models.Agent{
		ID:           id,
		Name:         name,
		Description:  def.Description,
		Capabilities: append([]string(nil), def.Capabilities...),
		Capacity:     capacity,
		Persona: models.Persona{
			Name:        name,
			Prompt:      def.Persona,
			Model:       def.Model,
			Temperature: def.Temperature,
			MaxTokens:   def.MaxTokens,
		},
	}
}

func (r *Registry) Register(a models.Agent) error {
	if err := models.ValidateAgentID(a.ID); err != nil {
		return err
	}
	if a.Capacity < 1 {
		return fmt.Errorf("%w: agent %s capacity must be at least 1", models.ErrValidation, a.ID)
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("%w: agent %s has no capabilities", models.ErrValidation, a.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("%w: agent %s", models.ErrDuplicateID, a.ID)
	}

	rec := a
	rec.Load = 0
	rec.Capabilities = append([]string(nil), a.Capabilities...)
	r.agents[a.ID] = &rec
	r.stats[a.ID] = &Stats{}
	for _, c := range rec.Capabilities {
		r.index[c] = append(r.index[c], a.ID)
		r.sortLocked(c)
	}
	return nil
}

// Deregister removes an idle agent. Agents holding tasks cannot be removed.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, id)
	}
	if a.Load > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s load %d", models.ErrAgentBusy, id, a.Load)
	}

	for _, c := range a.Capabilities {
		ids := r.index[c]
		for i, aid := range ids {
			if aid == id {
				r.index[c] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(r.index[c]) == 0 {
			delete(r.index, c)
		}
	}
	delete(r.agents, id)
	delete(r.stats, id)
	listeners := make([]func(string), len(r.onDeregister))
	copy(listeners, r.onDeregister)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(id)
	}
	return nil
}

// OnDeregister registers fn to run after an agent is removed.
func (r *Registry) OnDeregister(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeregister = append(r.onDeregister, fn)
}

// FindAvailable returns the least loaded agent with spare capacity for
// capability. It does not reserve the agent.
func (r *Registry) FindAvailable(capability string) (models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.findLocked(capability)
	if err != nil {
		return models.Agent{}, err
	}
	return cloneAgent(a), nil
}

// FindAndReserve finds and reserves an agent in one step.
func (r *Registry) FindAndReserve(capability string) (models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.findLocked(capability)
	if err != nil {
		return models.Agent{}, err
	}
	r.reserveLocked(a)
	return cloneAgent(a), nil
}

func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, id)
	}
	if a.Load >= a.Capacity {
		return fmt.Errorf("%w: agent %s at capacity %d", models.ErrCapacityExceeded, id, a.Capacity)
	}
	r.reserveLocked(a)
	return nil
}

// Release decrements the agent's load. Releasing an idle or unknown agent
// is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Load == 0 {
		return
	}
	a.Load--
	for _, c := range a.Capabilities {
		r.sortLocked(c)
	}
}

// RecordResult updates the agent's outcome counters.
func (r *Registry) RecordResult(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.stats[id]
	if !exists {
		return
	}
	if ok {
		s.Completed++
	} else {
		s.Failed++
	}
}

func (r *Registry) Stats(id string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[id]; ok {
		return *s
	}
	return Stats{}
}

func (r *Registry) Get(id string) (models.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return models.Agent{}, false
	}
	return cloneAgent(a), true
}

// List returns all agents sorted by id.
func (r *Registry) List() []models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates returns the agent ids for capability in index order.
func (r *Registry) Candidates(capability string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.index[capability]...)
}

func (r *Registry) HasCapability(capability string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index[capability]) > 0
}

// Sync persists the current catalog and removes stale rows.
func (r *Registry) Sync(s *store.Store) error {
	agents := r.List()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
		rec := &store.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: a.Capabilities,
			Capacity:     a.Capacity,
			Persona:      a.Persona.Prompt,
			Model:        a.Persona.Model,
		}
		if err := s.SaveAgent(rec); err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, err)
		}
	}

	if err := s.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

func (r *Registry) findLocked(capability string) (*models.Agent, error) {
	ids := r.index[capability]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %w: %s", models.ErrCapacityExceeded, models.ErrNoCapableAgent, capability)
	}
	// Index is sorted least loaded first, so the first agent with spare
	// capacity is the answer.
	for _, id := range ids {
		a := r.agents[id]
		if a.Load < a.Capacity {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrCapacityExceeded, capability)
}

func (r *Registry) reserveLocked(a *models.Agent) {
	a.Load++
	for _, c := range a.Capabilities {
		r.sortLocked(c)
	}
}

func (r *Registry) sortLocked(capability string) {
	ids := r.index[capability]
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := r.agents[ids[i]], r.agents[ids[j]]
		// Compare load/capacity without floating point.
		la, lb := a.Load*b.Capacity, b.Load*a.Capacity
		if la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})
}

func cloneAgent(a *models.Agent) models.Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return c
}

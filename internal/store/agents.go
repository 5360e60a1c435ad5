package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent is the persisted catalog entry for a registered agent. Load is
// runtime state and is never stored.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Capacity     int       `json:"capacity"`
	Persona      string    `json:"persona,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, description, capabilities, capacity, persona, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			capabilities = excluded.capabilities,
			capacity = excluded.capacity,
			persona = excluded.persona,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Description, string(caps), a.Capacity, a.Persona, a.Model)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var description, persona, model sql.NullString
	var caps string
	if err := scanner.Scan(&a.ID, &a.Name, &description, &caps, &a.Capacity, &persona, &model, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	a.Description = description.String
	a.Persona = persona.String
	a.Model = model.String
	return a, nil
}

const agentColumns = `id, name, description, capabilities, capacity, persona, model, created_at, updated_at`

func (s *Store) GetAgent(id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	query := `DELETE FROM agents WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}

package database

import (
	"database/sql"
	"fmt"
)

const agentColumns = `id, owner_id, name, rating, wins, losses, active, connection_token, created_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Rating, &a.Wins, &a.Losses, &a.Active, &a.ConnectionToken, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent inserts a new agent row
func (d *Database) CreateAgent(a *Agent) error {
	query := `INSERT INTO agents (id, owner_id, name, rating, wins, losses, active, connection_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, a.ID, a.OwnerID, a.Name, a.Rating, a.Wins, a.Losses, a.Active, a.ConnectionToken)
	if err != nil {
		return fmt.Errorf("failed to create agent: %v", err)
	}
	return nil
}

// GetAgent retrieves an agent by id
func (d *Database) GetAgent(id string) (*Agent, error) {
	query := fmt.Sprintf("SELECT %s FROM agents WHERE id = ?", agentColumns)
	a, err := scanAgent(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %v", id, err)
	}
	return a, nil
}

// GetAgentByToken resolves a connection token to an active agent. This
// is the agent socket handshake lookup; inactive agents do not resolve.
func (d *Database) GetAgentByToken(token string) (*Agent, error) {
	query := fmt.Sprintf("SELECT %s FROM agents WHERE connection_token = ? AND active = 1", agentColumns)
	a, err := scanAgent(d.db.QueryRow(query, token))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up agent by token: %v", err)
	}
	return a, nil
}

// ListAgents returns all agents
func (d *Database) ListAgents() ([]*Agent, error) {
	query := fmt.Sprintf("SELECT %s FROM agents ORDER BY rating DESC", agentColumns)
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %v", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %v", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ApplyRatingChange stores an agent's post-contest rating and updates
// its win/loss record.
func (d *Database) ApplyRatingChange(id string, newRating int, won bool) error {
	var query string
	if won {
		query = "UPDATE agents SET rating = ?, wins = wins + 1 WHERE id = ?"
	} else {
		query = "UPDATE agents SET rating = ?, losses = losses + 1 WHERE id = ?"
	}

	result, err := d.db.Exec(query, newRating, id)
	if err != nil {
		return fmt.Errorf("failed to apply rating change for %s: %v", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %v", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetAgentActive toggles an agent's active flag
func (d *Database) SetAgentActive(id string, active bool) error {
	_, err := d.db.Exec("UPDATE agents SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("failed to set agent %s active=%v: %v", id, active, err)
	}
	return nil
}

package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/neo/debatearena_backend/internal/types"
)

// AppendTurn persists one produced message. The exchange index is part
// of the unique slot so recovery can tell which turns already exist.
func (d *Database) AppendTurn(t *Turn) (int64, error) {
	query := `INSERT INTO turns (contest_id, round_index, exchange_index, position, agent_id, content)
		VALUES (?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, t.ContestID, t.RoundIndex, t.ExchangeIndex, string(t.Position), t.AgentID, t.Content)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("turn (%s, %d, %s, %d): %w", t.ContestID, t.RoundIndex, t.Position, t.ExchangeIndex, ErrDuplicateTurn)
		}
		return 0, fmt.Errorf("failed to append turn: %v", err)
	}
	return result.LastInsertId()
}

// ListTurns returns every turn of a contest in production order
func (d *Database) ListTurns(contestID string) ([]*Turn, error) {
	query := `SELECT id, contest_id, round_index, exchange_index, position, agent_id, content, created_at
		FROM turns WHERE contest_id = ?
		ORDER BY round_index, exchange_index, CASE position WHEN 'pro' THEN 0 ELSE 1 END`

	rows, err := d.db.Query(query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns for %s: %v", contestID, err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var position string
		if err := rows.Scan(&t.ID, &t.ContestID, &t.RoundIndex, &t.ExchangeIndex, &position, &t.AgentID, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %v", err)
		}
		t.Position = types.Side(position)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// ListRoundTurns returns the turns of a single round in production order
func (d *Database) ListRoundTurns(contestID string, roundIndex int) ([]*Turn, error) {
	turns, err := d.ListTurns(contestID)
	if err != nil {
		return nil, err
	}
	var round []*Turn
	for _, t := range turns {
		if t.RoundIndex == roundIndex {
			round = append(round, t)
		}
	}
	return round, nil
}

// HasTurn reports whether the (round, position, exchange) slot is filled
func (d *Database) HasTurn(contestID string, roundIndex int, position types.Side, exchangeIndex int) (bool, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM turns WHERE contest_id = ? AND round_index = ? AND position = ? AND exchange_index = ?",
		contestID, roundIndex, string(position), exchangeIndex,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check turn slot: %v", err)
	}
	return count > 0, nil
}

// GetTurn fetches the turn in a specific slot
func (d *Database) GetTurn(contestID string, roundIndex int, position types.Side, exchangeIndex int) (*Turn, error) {
	query := `SELECT id, contest_id, round_index, exchange_index, position, agent_id, content, created_at
		FROM turns WHERE contest_id = ? AND round_index = ? AND position = ? AND exchange_index = ?`

	var t Turn
	var pos string
	err := d.db.QueryRow(query, contestID, roundIndex, string(position), exchangeIndex).
		Scan(&t.ID, &t.ContestID, &t.RoundIndex, &t.ExchangeIndex, &pos, &t.AgentID, &t.Content, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("turn slot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %v", err)
	}
	t.Position = types.Side(pos)
	return &t, nil
}

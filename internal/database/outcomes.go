package database

import (
	"database/sql"
	"fmt"

	"github.com/neo/debatearena_backend/internal/types"
)

// AppendRoundOutcome persists one round's tally. At most one outcome
// may exist per (contest, round).
func (d *Database) AppendRoundOutcome(o *RoundOutcome) error {
	query := `INSERT INTO round_outcomes (contest_id, round_index, pro_votes, con_votes, winner)
		VALUES (?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, o.ContestID, o.RoundIndex, o.ProVotes, o.ConVotes, string(o.Winner))
	if err != nil {
		return fmt.Errorf("failed to append round outcome: %v", err)
	}
	return nil
}

// GetRoundOutcome fetches the outcome of one round
func (d *Database) GetRoundOutcome(contestID string, roundIndex int) (*RoundOutcome, error) {
	query := `SELECT id, contest_id, round_index, pro_votes, con_votes, winner, created_at
		FROM round_outcomes WHERE contest_id = ? AND round_index = ?`

	var o RoundOutcome
	var winner string
	err := d.db.QueryRow(query, contestID, roundIndex).
		Scan(&o.ID, &o.ContestID, &o.RoundIndex, &o.ProVotes, &o.ConVotes, &winner, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("round outcome %s/%d: %w", contestID, roundIndex, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round outcome: %v", err)
	}
	o.Winner = types.Side(winner)
	return &o, nil
}

// ListRoundOutcomes returns a contest's outcomes in round order
func (d *Database) ListRoundOutcomes(contestID string) ([]*RoundOutcome, error) {
	query := `SELECT id, contest_id, round_index, pro_votes, con_votes, winner, created_at
		FROM round_outcomes WHERE contest_id = ? ORDER BY round_index`

	rows, err := d.db.Query(query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list round outcomes for %s: %v", contestID, err)
	}
	defer rows.Close()

	var outcomes []*RoundOutcome
	for rows.Next() {
		var o RoundOutcome
		var winner string
		if err := rows.Scan(&o.ID, &o.ContestID, &o.RoundIndex, &o.ProVotes, &o.ConVotes, &winner, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan round outcome: %v", err)
		}
		o.Winner = types.Side(winner)
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

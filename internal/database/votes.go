package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/neo/debatearena_backend/internal/types"
)

// CastVote records one spectator vote. Idempotent on
// (contest, round, voter): any second cast returns ErrAlreadyVoted,
// whether or not the choice matches; the stored row never changes.
func (d *Database) CastVote(contestID string, roundIndex int, voterID string, choice types.Side) error {
	var existing string
	err := d.db.QueryRow(
		"SELECT choice FROM votes WHERE contest_id = ? AND round_index = ? AND voter_id = ?",
		contestID, roundIndex, voterID,
	).Scan(&existing)
	if err == nil {
		return fmt.Errorf("vote (%s, %d, %s): %w", contestID, roundIndex, voterID, ErrAlreadyVoted)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing vote: %v", err)
	}

	_, err = d.db.Exec(
		"INSERT INTO votes (contest_id, round_index, voter_id, choice) VALUES (?, ?, ?, ?)",
		contestID, roundIndex, voterID, string(choice),
	)
	if err != nil {
		// Two concurrent first casts can race past the read; the unique
		// index decides and the loser reports already-voted.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("vote (%s, %d, %s): %w", contestID, roundIndex, voterID, ErrAlreadyVoted)
		}
		return fmt.Errorf("failed to cast vote: %v", err)
	}
	return nil
}

// TallyRoundVotes returns the current (pro, con) counts for a round
func (d *Database) TallyRoundVotes(contestID string, roundIndex int) (proVotes, conVotes int, err error) {
	rows, err := d.db.Query(
		"SELECT choice, COUNT(*) FROM votes WHERE contest_id = ? AND round_index = ? GROUP BY choice",
		contestID, roundIndex,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to tally votes for %s/%d: %v", contestID, roundIndex, err)
	}
	defer rows.Close()

	for rows.Next() {
		var choice string
		var count int
		if err := rows.Scan(&choice, &count); err != nil {
			return 0, 0, fmt.Errorf("failed to scan tally: %v", err)
		}
		switch types.Side(choice) {
		case types.SidePro:
			proVotes = count
		case types.SideCon:
			conVotes = count
		}
	}
	return proVotes, conVotes, rows.Err()
}

// CountContestVotes returns the total accepted votes across all rounds
func (d *Database) CountContestVotes(contestID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM votes WHERE contest_id = ?", contestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes for %s: %v", contestID, err)
	}
	return count, nil
}

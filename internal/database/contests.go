package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/neo/debatearena_backend/internal/types"
)

const contestColumns = `id, topic_id, preset_id, pro_agent_id, con_agent_id, status,
	current_round, round_status, winner, stake_amount, spectator_count,
	created_at, started_at, ended_at`

func scanContest(row interface{ Scan(...interface{}) error }) (*Contest, error) {
	var c Contest
	var status, roundStatus, winner string
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TopicID, &c.PresetID, &c.ProAgentID, &c.ConAgentID, &status,
		&c.CurrentRound, &roundStatus, &winner, &c.StakeAmount, &c.SpectatorCount,
		&c.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = types.ContestStatus(status)
	c.RoundStatus = types.RoundStatus(roundStatus)
	c.Winner = types.Side(winner)
	c.StartedAt = scanNullTime(startedAt)
	c.EndedAt = scanNullTime(endedAt)
	return &c, nil
}

// CreateContest inserts a new pending contest row
func (d *Database) CreateContest(c *Contest) error {
	query := `INSERT INTO contests
		(id, topic_id, preset_id, pro_agent_id, con_agent_id, status, current_round, round_status, winner, stake_amount)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`

	_, err := d.db.Exec(query,
		c.ID, c.TopicID, c.PresetID, c.ProAgentID, c.ConAgentID,
		string(types.ContestPending), string(types.RoundPending), string(types.SideNone), c.StakeAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to create contest: %v", err)
	}
	return nil
}

// GetContest retrieves a contest by id
func (d *Database) GetContest(id string) (*Contest, error) {
	query := fmt.Sprintf("SELECT %s FROM contests WHERE id = ?", contestColumns)
	c, err := scanContest(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contest %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contest %s: %v", id, err)
	}
	return c, nil
}

// ListRecentContests returns contests newest first
func (d *Database) ListRecentContests(limit, offset int) ([]*Contest, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s FROM contests ORDER BY created_at DESC LIMIT ? OFFSET ?", contestColumns)
	rows, err := d.db.Query(query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %v", err)
	}
	defer rows.Close()

	var contests []*Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contest: %v", err)
		}
		contests = append(contests, c)
	}
	return contests, rows.Err()
}

// ListUnfinishedContests returns contests that are neither completed nor
// cancelled. Recovery scans this at startup.
func (d *Database) ListUnfinishedContests() ([]*Contest, error) {
	query := fmt.Sprintf("SELECT %s FROM contests WHERE status IN (?, ?) ORDER BY created_at", contestColumns)
	rows, err := d.db.Query(query, string(types.ContestPending), string(types.ContestInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished contests: %v", err)
	}
	defer rows.Close()

	var contests []*Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contest: %v", err)
		}
		contests = append(contests, c)
	}
	return contests, rows.Err()
}

// StartContest transitions pending -> in_progress and stamps started_at.
// Fails with ErrStatusConflict if the row is not pending.
func (d *Database) StartContest(id string) error {
	result, err := d.db.Exec(
		"UPDATE contests SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		string(types.ContestInProgress), time.Now().UTC(), id, string(types.ContestPending),
	)
	if err != nil {
		return fmt.Errorf("failed to start contest %s: %v", id, err)
	}
	return d.fenceResult(result, id)
}

// SetContestRound advances the round cursor and round status. The
// contest must still be in_progress; anything else means another
// replica finished or cancelled it.
func (d *Database) SetContestRound(id string, roundIndex int, roundStatus types.RoundStatus) error {
	result, err := d.db.Exec(
		"UPDATE contests SET current_round = ?, round_status = ? WHERE id = ? AND status = ?",
		roundIndex, string(roundStatus), id, string(types.ContestInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to set round for contest %s: %v", id, err)
	}
	return d.fenceResult(result, id)
}

// CompleteContest transitions in_progress -> completed with the final
// winner and stamps ended_at.
func (d *Database) CompleteContest(id string, winner types.Side) error {
	result, err := d.db.Exec(
		"UPDATE contests SET status = ?, winner = ?, ended_at = ? WHERE id = ? AND status = ?",
		string(types.ContestCompleted), string(winner), time.Now().UTC(), id, string(types.ContestInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to complete contest %s: %v", id, err)
	}
	return d.fenceResult(result, id)
}

// CancelContest transitions to terminal cancelled from the expected
// prior status.
func (d *Database) CancelContest(id string, expected types.ContestStatus) error {
	result, err := d.db.Exec(
		"UPDATE contests SET status = ?, ended_at = ? WHERE id = ? AND status = ?",
		string(types.ContestCancelled), time.Now().UTC(), id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to cancel contest %s: %v", id, err)
	}
	return d.fenceResult(result, id)
}

// UpdateSpectatorCount stores the latest fleet-wide viewer count
// snapshot. Not status-fenced: it never advances the state machine.
func (d *Database) UpdateSpectatorCount(id string, count int) error {
	_, err := d.db.Exec("UPDATE contests SET spectator_count = ? WHERE id = ?", count, id)
	if err != nil {
		return fmt.Errorf("failed to update spectator count for %s: %v", id, err)
	}
	return nil
}

// fenceResult converts an unmatched fenced UPDATE into ErrStatusConflict
// (or ErrNotFound when the row does not exist at all).
func (d *Database) fenceResult(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %v", err)
	}
	if n == 0 {
		var exists int
		if err := d.db.QueryRow("SELECT COUNT(*) FROM contests WHERE id = ?", id).Scan(&exists); err == nil && exists == 0 {
			return fmt.Errorf("contest %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("contest %s: %w", id, ErrStatusConflict)
	}
	return nil
}

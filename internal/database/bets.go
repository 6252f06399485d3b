package database

import (
	"fmt"

	"github.com/neo/debatearena_backend/internal/types"
)

// CreateBet inserts an unsettled stake on a contest outcome
func (d *Database) CreateBet(b *Bet) (int64, error) {
	if b.Amount < 0 {
		return 0, fmt.Errorf("bet amount must be non-negative")
	}
	if b.Side != types.SidePro && b.Side != types.SideCon {
		return 0, fmt.Errorf("%w: %s", types.ErrInvalidSide, b.Side)
	}

	result, err := d.db.Exec(
		"INSERT INTO bets (contest_id, bettor_id, side, amount) VALUES (?, ?, ?, ?)",
		b.ContestID, b.BettorID, string(b.Side), b.Amount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create bet: %v", err)
	}
	return result.LastInsertId()
}

// ListBets returns all bets on a contest
func (d *Database) ListBets(contestID string) ([]*Bet, error) {
	query := `SELECT id, contest_id, bettor_id, side, amount, settled, payout, created_at
		FROM bets WHERE contest_id = ? ORDER BY id`

	rows, err := d.db.Query(query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets for %s: %v", contestID, err)
	}
	defer rows.Close()

	var bets []*Bet
	for rows.Next() {
		var b Bet
		var side string
		if err := rows.Scan(&b.ID, &b.ContestID, &b.BettorID, &side, &b.Amount, &b.Settled, &b.Payout, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bet: %v", err)
		}
		b.Side = types.Side(side)
		bets = append(bets, &b)
	}
	return bets, rows.Err()
}

// SettleBet marks one bet settled with its payout. Settling twice is
// refused so settlement stays idempotent per bet.
func (d *Database) SettleBet(betID int64, payout int64) error {
	result, err := d.db.Exec(
		"UPDATE bets SET settled = 1, payout = ? WHERE id = ? AND settled = 0",
		payout, betID,
	)
	if err != nil {
		return fmt.Errorf("failed to settle bet %d: %v", betID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %v", err)
	}
	if n == 0 {
		return fmt.Errorf("bet %d already settled or missing: %w", betID, ErrStatusConflict)
	}
	return nil
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/neo/debatearena_backend/internal/types"
)

// SubmitVote admits one spectator vote. Contests driven by this replica
// are checked against the in-memory round state; anything else falls
// back to the persisted row, so votes work from any replica. The
// database's uniqueness constraint is the final word on duplicates.
func (o *Orchestrator) SubmitVote(ctx context.Context, contestID, voterID string, roundIndex int, choice types.Side) error {
	if choice != types.SidePro && choice != types.SideCon {
		return fmt.Errorf("%w: %s", types.ErrInvalidSide, choice)
	}

	if run := o.run(contestID); run != nil {
		run.mu.Lock()
		currentRound, status := run.roundIndex, run.roundStatus
		run.mu.Unlock()

		if currentRound != roundIndex {
			return fmt.Errorf("round %d is current: %w", currentRound, ErrWrongRound)
		}
		if status != types.RoundVoting {
			return ErrVotingClosed
		}
		return o.db.CastVote(contestID, roundIndex, voterID, choice)
	}

	contest, err := o.db.GetContest(contestID)
	if err != nil {
		return err
	}
	if contest.Status != types.ContestInProgress || contest.RoundStatus != types.RoundVoting {
		return ErrVotingClosed
	}
	if contest.CurrentRound != roundIndex {
		return fmt.Errorf("round %d is current: %w", contest.CurrentRound, ErrWrongRound)
	}
	return o.db.CastVote(contestID, roundIndex, voterID, choice)
}

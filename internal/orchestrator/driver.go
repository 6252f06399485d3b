package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/events"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/rating"
	"github.com/neo/debatearena_backend/internal/router"
	"github.com/neo/debatearena_backend/internal/types"
)

// drive runs one contest from its current position to a terminal state.
// Every status mutation goes through the database's fenced updates, so
// a second driver (another replica recovering the same contest) loses
// the race cleanly instead of double-writing.
func (o *Orchestrator) drive(run *contestRun) {
	defer o.wg.Done()
	defer o.removeRun(run.id)
	defer func() {
		if r := recover(); r != nil {
			logging.LogDebateEvent("driver_panic", run.id, map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			if err := o.db.CancelContest(run.id, types.ContestInProgress); err == nil {
				o.refundBets(run.id)
				o.publish(run.id, events.ErrorEvent, events.ErrorPayload{
					Code:    types.CodeDebateCancelled,
					Message: "debate aborted by an internal error",
				})
			}
		}
	}()

	if run.resume {
		o.publish(run.id, events.DebateResumed, events.DebateResumedPayload{
			RoundIndex:  run.startRound,
			RoundStatus: run.contest.RoundStatus,
		})
	} else {
		if err := o.db.StartContest(run.id); err != nil {
			logging.LogDebateEvent("start_fence_lost", run.id, map[string]interface{}{"error": err.Error()})
			return
		}
		o.publish(run.id, events.DebateStarted, o.startedPayload(run))
		if !o.pause(run, run.preset.PrepTime()) {
			o.finishInterrupted(run)
			return
		}
	}

	for i := run.startRound; i < len(run.preset.Rounds); i++ {
		if err := o.runRound(run, i); err != nil {
			switch {
			case errors.Is(err, errInterrupted):
				o.finishInterrupted(run)
			case errors.Is(err, database.ErrStatusConflict):
				logging.LogDebateEvent("round_fence_lost", run.id, map[string]interface{}{"round_index": i})
			default:
				logging.LogDebateEvent("round_failed", run.id, map[string]interface{}{"round_index": i, "error": err.Error()})
				if cerr := o.db.CancelContest(run.id, types.ContestInProgress); cerr == nil {
					o.refundBets(run.id)
					o.publish(run.id, events.ErrorEvent, events.ErrorPayload{
						Code:    types.CodeDebateCancelled,
						Message: "debate aborted by an internal error",
					})
				}
			}
			return
		}
	}

	o.complete(run, types.SideNone)
}

func (o *Orchestrator) startedPayload(run *contestRun) events.DebateStartedPayload {
	return events.DebateStartedPayload{
		Topic:       run.topic.Title,
		PresetID:    run.preset.ID,
		ProAgentID:  run.pro.ID,
		ProName:     run.pro.Name,
		ConAgentID:  run.con.ID,
		ConName:     run.con.Name,
		RoundCount:  len(run.preset.Rounds),
		StakeAmount: run.contest.StakeAmount,
	}
}

// pause sleeps unless the run is interrupted first
func (o *Orchestrator) pause(run *contestRun, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-run.ctx.Done():
		return false
	}
}

// setRound persists the round cursor, then mirrors it in memory for the
// vote fast path. Persist-then-mirror: readers of the in-memory state
// never get ahead of the database.
func (o *Orchestrator) setRound(run *contestRun, roundIndex int, status types.RoundStatus) error {
	if err := o.db.SetContestRound(run.id, roundIndex, status); err != nil {
		return err
	}
	run.mu.Lock()
	run.roundIndex = roundIndex
	run.roundStatus = status
	run.mu.Unlock()
	return nil
}

func (o *Orchestrator) runRound(run *contestRun, roundIndex int) error {
	spec := run.preset.Rounds[roundIndex]

	if err := o.setRound(run, roundIndex, types.RoundBotResponding); err != nil {
		return err
	}
	o.publish(run.id, events.RoundStarted, events.RoundStartedPayload{
		RoundIndex: roundIndex,
		RoundName:  spec.Name,
	})

	for exchange := 0; exchange < spec.Exchanges; exchange++ {
		for _, side := range spec.Speaker.Sides() {
			select {
			case <-run.ctx.Done():
				return errInterrupted
			default:
			}
			if err := o.collectTurn(run, roundIndex, exchange, side, spec); err != nil {
				return err
			}
		}
	}

	return o.voteWindow(run, roundIndex)
}

// collectTurn obtains one turn from the speaking side and persists it.
// A failed agent never stalls the contest: the failure is recorded as a
// sentinel turn and play continues. On resume, turns that already made
// it to the database are skipped.
func (o *Orchestrator) collectTurn(run *contestRun, roundIndex, exchange int, side types.Side, spec preset.RoundSpec) error {
	if run.resume {
		if _, err := o.db.GetTurn(run.id, roundIndex, side, exchange); err == nil {
			return nil // Already persisted before the interruption
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}
	}

	agent := run.agentFor(side)
	o.publish(run.id, events.BotTyping, events.BotTypingPayload{RoundIndex: roundIndex, Position: side})

	history, opponentLast := run.historySnapshot(side)
	req := &router.DebateRequest{
		DebateID:            run.id,
		Round:               spec.Name,
		Topic:               run.topic.Title,
		Position:            side,
		OpponentLastMessage: opponentLast,
		WordLimit:           spec.WordLimit,
		CharLimit:           spec.CharLimit,
		MessagesSoFar:       history,
	}

	resp, err := o.agents.SendRequest(run.ctx, agent.ID, req, spec.TurnTimeLimit())

	var content string
	switch {
	case err == nil:
		content = resp.Message
	case errors.Is(err, context.Canceled):
		return errInterrupted
	default:
		content = fmt.Sprintf("[Bot failed to respond: %s]", failureReason(err))
		logging.LogDebateEvent("turn_failed", run.id, map[string]interface{}{
			"round_index": roundIndex,
			"position":    side.String(),
			"agent_id":    agent.ID,
			"error":       err.Error(),
		})
	}

	turn := &database.Turn{
		ContestID:     run.id,
		RoundIndex:    roundIndex,
		ExchangeIndex: exchange,
		Position:      side,
		AgentID:       agent.ID,
		Content:       content,
	}
	if _, err := o.db.AppendTurn(turn); err != nil {
		if !errors.Is(err, database.ErrDuplicateTurn) {
			return err
		}
		// Another driver got here first; adopt its turn.
		existing, gerr := o.db.GetTurn(run.id, roundIndex, side, exchange)
		if gerr != nil {
			return gerr
		}
		turn = existing
	}
	run.appendHistory(turn)

	o.publish(run.id, events.BotMessage, events.BotMessagePayload{
		RoundIndex: roundIndex,
		Position:   side,
		AgentID:    agent.ID,
		AgentName:  agent.Name,
		Content:    turn.Content,
	})
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, router.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, router.ErrAgentNotConnected):
		return "disconnected"
	case errors.Is(err, router.ErrInvalidResponse):
		return "invalid response"
	default:
		return "error"
	}
}

// voteWindow opens the spectator vote window for a finished round,
// ticks the live tally, then seals the outcome.
func (o *Orchestrator) voteWindow(run *contestRun, roundIndex int) error {
	if err := o.setRound(run, roundIndex, types.RoundVoting); err != nil {
		return err
	}
	o.publish(run.id, events.VotingStarted, events.VotingStartedPayload{
		RoundIndex:    roundIndex,
		WindowSeconds: run.preset.VoteWindowSeconds,
	})

	deadline := time.NewTimer(run.preset.VoteWindow())
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.VoteTick)
	defer ticker.Stop()

window:
	for {
		select {
		case <-ticker.C:
			if pro, con, err := o.db.TallyRoundVotes(run.id, roundIndex); err == nil {
				o.publish(run.id, events.VoteUpdate, events.VoteUpdatePayload{
					RoundIndex: roundIndex,
					ProVotes:   pro,
					ConVotes:   con,
				})
			}
		case <-deadline.C:
			break window
		case <-run.ctx.Done():
			return errInterrupted
		}
	}

	proVotes, conVotes, err := o.db.TallyRoundVotes(run.id, roundIndex)
	if err != nil {
		return err
	}

	winner := types.SideNone
	if proVotes > conVotes {
		winner = types.SidePro
	} else if conVotes > proVotes {
		winner = types.SideCon
	}

	outcome := &database.RoundOutcome{
		ContestID:  run.id,
		RoundIndex: roundIndex,
		ProVotes:   proVotes,
		ConVotes:   conVotes,
		Winner:     winner,
	}
	if err := o.db.AppendRoundOutcome(outcome); err != nil {
		// A previous driver may have sealed this round before dying.
		existing, gerr := o.db.GetRoundOutcome(run.id, roundIndex)
		if gerr != nil {
			return err
		}
		outcome = existing
		winner = existing.Winner
	}

	run.applyOutcome(winner)
	if err := o.setRound(run, roundIndex, types.RoundCompleted); err != nil {
		return err
	}

	proScore, conScore := run.scores()
	o.publish(run.id, events.RoundEnded, events.RoundEndedPayload{
		RoundIndex: roundIndex,
		ProVotes:   outcome.ProVotes,
		ConVotes:   outcome.ConVotes,
		Winner:     winner,
		ProScore:   proScore,
		ConScore:   conScore,
	})
	return nil
}

// finishInterrupted resolves an interrupted run. A forfeit completes
// the contest for the opponent; an explicit cancel refunds and ends it;
// a plain shutdown leaves the row in_progress for recovery.
func (o *Orchestrator) finishInterrupted(run *contestRun) {
	forfeitBy, cancelled := run.interruptCause()
	switch {
	case forfeitBy != "" && forfeitBy != types.SideNone:
		o.complete(run, forfeitBy)
	case cancelled:
		if err := o.db.CancelContest(run.id, types.ContestInProgress); err != nil {
			logging.LogDebateEvent("cancel_fence_lost", run.id, map[string]interface{}{"error": err.Error()})
			return
		}
		o.refundBets(run.id)
		o.publish(run.id, events.ErrorEvent, events.ErrorPayload{
			Code:    types.CodeDebateCancelled,
			Message: "debate cancelled",
		})
		o.notifyAgents(run, types.SideNone, rating.NoChange(run.pro.Rating), rating.NoChange(run.con.Rating))
	default:
		logging.LogDebateEvent("driver_suspended", run.id, map[string]interface{}{"reason": "shutdown"})
	}
}

// complete finalizes a contest. forfeitBy is SideNone for a normal
// finish; otherwise that side loses by concession. The fenced
// CompleteContest is the exactly-once gate for ratings and settlement.
func (o *Orchestrator) complete(run *contestRun, forfeitBy types.Side) {
	proScore, conScore := run.scores()

	winner := types.SideNone
	switch {
	case forfeitBy == types.SidePro:
		winner = types.SideCon
	case forfeitBy == types.SideCon:
		winner = types.SidePro
	case proScore > conScore:
		winner = types.SidePro
	case conScore > proScore:
		winner = types.SideCon
	}

	if err := o.db.CompleteContest(run.id, winner); err != nil {
		logging.LogDebateEvent("complete_fence_lost", run.id, map[string]interface{}{"error": err.Error()})
		return
	}

	proChange := rating.NoChange(run.pro.Rating)
	conChange := rating.NoChange(run.con.Rating)
	switch winner {
	case types.SidePro:
		proChange, conChange = rating.EloUpdate(run.pro.Rating, run.con.Rating, o.cfg.KFactor)
	case types.SideCon:
		conChange, proChange = rating.EloUpdate(run.con.Rating, run.pro.Rating, o.cfg.KFactor)
	}
	if winner != types.SideNone {
		if err := o.db.ApplyRatingChange(run.pro.ID, proChange.New, winner == types.SidePro); err != nil {
			logging.LogDatabaseEvent("rating_apply_failed", map[string]interface{}{"agent_id": run.pro.ID, "error": err.Error()})
		}
		if err := o.db.ApplyRatingChange(run.con.ID, conChange.New, winner == types.SideCon); err != nil {
			logging.LogDatabaseEvent("rating_apply_failed", map[string]interface{}{"agent_id": run.con.ID, "error": err.Error()})
		}
	}

	payouts := o.settleBets(run.id, winner)

	if forfeitBy != types.SideNone && forfeitBy != "" {
		o.publish(run.id, events.DebateForfeit, events.DebateForfeitPayload{
			ForfeitedBy: forfeitBy,
			Winner:      winner,
			ProScore:    proScore,
			ConScore:    conScore,
			ProRating:   proChange,
			ConRating:   conChange,
			Payouts:     payouts,
		})
	} else {
		o.publish(run.id, events.DebateEnded, events.DebateEndedPayload{
			Winner:    winner,
			ProScore:  proScore,
			ConScore:  conScore,
			ProRating: proChange,
			ConRating: conChange,
			Payouts:   payouts,
		})
	}

	o.notifyAgents(run, winner, proChange, conChange)

	logging.LogDebateEvent("contest_completed", run.id, map[string]interface{}{
		"winner":    winner.String(),
		"pro_score": proScore,
		"con_score": conScore,
		"forfeit":   forfeitBy != "" && forfeitBy != types.SideNone,
	})
}

// settleBets runs parimutuel settlement and persists each payout
func (o *Orchestrator) settleBets(contestID string, winner types.Side) []events.PayoutEntry {
	bets, err := o.db.ListBets(contestID)
	if err != nil {
		logging.LogDatabaseEvent("settlement_list_failed", map[string]interface{}{"contest_id": contestID, "error": err.Error()})
		return nil
	}

	stakes := make([]rating.Stake, 0, len(bets))
	for _, b := range bets {
		if b.Settled {
			continue
		}
		stakes = append(stakes, rating.Stake{BetID: b.ID, Bettor: b.BettorID, Side: b.Side, Amount: b.Amount})
	}

	payouts := rating.SettleBets(stakes, winner)
	entries := make([]events.PayoutEntry, 0, len(payouts))
	for _, p := range payouts {
		if err := o.db.SettleBet(p.BetID, p.Amount); err != nil {
			logging.LogDatabaseEvent("settlement_failed", map[string]interface{}{"bet_id": p.BetID, "error": err.Error()})
			continue
		}
		entries = append(entries, events.PayoutEntry{Bettor: p.Bettor, Amount: p.Amount})
	}
	return entries
}

// notifyAgents delivers the fire-and-forget end-of-contest message
func (o *Orchestrator) notifyAgents(run *contestRun, winner types.Side, proChange, conChange rating.Change) {
	var proWon, conWon *bool
	if winner == types.SidePro || winner == types.SideCon {
		p := winner == types.SidePro
		c := !p
		proWon, conWon = &p, &c
	}
	o.agents.NotifyDebateComplete(run.pro.ID, &router.DebateComplete{
		DebateID:  run.id,
		Won:       proWon,
		EloChange: proChange.Delta,
	})
	o.agents.NotifyDebateComplete(run.con.ID, &router.DebateComplete{
		DebateID:  run.id,
		Won:       conWon,
		EloChange: conChange.Delta,
	})
}

package orchestrator

import (
	"context"
	"time"

	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/events"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/router"
	"github.com/neo/debatearena_backend/internal/types"
)

// RecoverUnfinished scans for contests left non-terminal by a crash or
// restart and resumes each one this replica can claim. The per-contest
// bus lock keeps two replicas from adopting the same contest; losing
// the lock is not an error.
func (o *Orchestrator) RecoverUnfinished(ctx context.Context) error {
	contests, err := o.db.ListUnfinishedContests()
	if err != nil {
		return err
	}

	for _, c := range contests {
		acquired, release, err := o.bus.AcquireLock(ctx, bus.RecoveryLockKey(c.ID), bus.RecoveryLockTTL)
		if err != nil {
			logging.LogBusEvent("recovery_lock_failed", bus.RecoveryLockKey(c.ID), map[string]interface{}{"error": err.Error()})
			continue
		}
		if !acquired {
			continue
		}

		contest := c
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer release()
			o.recoverContest(contest)
		}()
	}
	return nil
}

// recoverContest waits for both agents to reconnect, then resumes the
// contest from its persisted position. Agents that never come back
// within the window cancel the contest with full refunds.
func (o *Orchestrator) recoverContest(contest *database.Contest) {
	logging.LogDebateEvent("recovery_started", contest.ID, map[string]interface{}{
		"status":       contest.Status.String(),
		"round_index":  contest.CurrentRound,
		"round_status": contest.RoundStatus.String(),
	})

	run, err := o.rebuildRun(contest)
	if err != nil {
		logging.LogDebateEvent("recovery_rebuild_failed", contest.ID, map[string]interface{}{"error": err.Error()})
		o.abortRecovery(contest)
		return
	}

	if !o.awaitAgents(run) {
		logging.LogDebateEvent("recovery_agents_absent", contest.ID, map[string]interface{}{
			"pro_agent_id": contest.ProAgentID,
			"con_agent_id": contest.ConAgentID,
		})
		o.abortRecovery(contest)
		return
	}

	o.launch(run)
}

// rebuildRun reloads everything a driver needs from the database
func (o *Orchestrator) rebuildRun(contest *database.Contest) (*contestRun, error) {
	p, err := o.presets.Get(contest.PresetID)
	if err != nil {
		return nil, err
	}
	topic, err := o.db.GetTopic(contest.TopicID)
	if err != nil {
		return nil, err
	}
	pro, err := o.db.GetAgent(contest.ProAgentID)
	if err != nil {
		return nil, err
	}
	con, err := o.db.GetAgent(contest.ConAgentID)
	if err != nil {
		return nil, err
	}

	run := &contestRun{
		id:      contest.ID,
		contest: contest,
		preset:  p,
		topic:   topic,
		pro:     pro,
		con:     con,
	}

	if contest.Status == types.ContestPending {
		// Never started; drive it from the top.
		return run, nil
	}

	run.resume = true
	run.startRound = contest.CurrentRound
	run.roundIndex = contest.CurrentRound
	run.roundStatus = contest.RoundStatus

	outcomes, err := o.db.ListRoundOutcomes(contest.ID)
	if err != nil {
		return nil, err
	}
	for _, out := range outcomes {
		run.applyOutcome(out.Winner)
		// A sealed round already counts toward the score; resuming at
		// or before it would apply its outcome a second time.
		if out.RoundIndex >= run.startRound {
			run.startRound = out.RoundIndex + 1
		}
	}

	turns, err := o.db.ListTurns(contest.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		run.history = append(run.history, router.HistoryMessage{
			RoundIndex: t.RoundIndex,
			Position:   t.Position,
			Content:    t.Content,
		})
	}
	return run, nil
}

// awaitAgents polls until both agents are reachable or the reconnect
// window expires.
func (o *Orchestrator) awaitAgents(run *contestRun) bool {
	deadline := time.Now().Add(o.cfg.ReconnectWait)
	for {
		ctx, cancel := context.WithTimeout(o.ctx, 2*time.Second)
		proUp := o.agents.AgentConnected(ctx, run.pro.ID)
		conUp := o.agents.AgentConnected(ctx, run.con.ID)
		cancel()
		if proUp && conUp {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(o.cfg.ReconnectPoll):
		case <-o.ctx.Done():
			return false
		}
	}
}

// abortRecovery cancels an unrecoverable contest and refunds its bets
func (o *Orchestrator) abortRecovery(contest *database.Contest) {
	if err := o.db.CancelContest(contest.ID, contest.Status); err != nil {
		logging.LogDebateEvent("recovery_cancel_failed", contest.ID, map[string]interface{}{"error": err.Error()})
		return
	}
	o.refundBets(contest.ID)
	o.publish(contest.ID, events.ErrorEvent, events.ErrorPayload{
		Code:    types.CodeDebateCancelled,
		Message: "debate cancelled: agents did not return",
	})
}

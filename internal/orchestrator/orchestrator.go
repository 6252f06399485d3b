package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/events"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/rating"
	"github.com/neo/debatearena_backend/internal/router"
	"github.com/neo/debatearena_backend/internal/types"
)

// Vote and control rejections surfaced to the spectator layer and REST
var (
	ErrWrongRound       = errors.New("vote targets a different round")
	ErrVotingClosed     = errors.New("vote window is not open")
	ErrNotOwner         = errors.New("requester owns neither side")
	ErrContestNotActive = errors.New("contest is not running on this replica")
)

// errInterrupted aborts a round mid-flight; the driver decides whether
// it was a forfeit, a cancellation, or a shutdown.
var errInterrupted = errors.New("contest interrupted")

// AgentCaller is the router surface the orchestrator drives turns over
type AgentCaller interface {
	SendRequest(ctx context.Context, agentID string, req *router.DebateRequest, timeout time.Duration) (*router.Response, error)
	NotifyDebateComplete(agentID string, notify *router.DebateComplete)
	AgentConnected(ctx context.Context, agentID string) bool
}

// Config tunes contest execution
type Config struct {
	KFactor         int
	VoteTick        time.Duration // Cadence of vote_update during a window
	ReconnectWait   time.Duration // How long recovery waits for both agents
	ReconnectPoll   time.Duration
	CleanupInterval time.Duration
	StalePendingAge time.Duration // Pending contests older than this are cancelled
}

// DefaultConfig returns the standard execution policy
func DefaultConfig() Config {
	return Config{
		KFactor:         rating.DefaultKFactor,
		VoteTick:        time.Second,
		ReconnectWait:   60 * time.Second,
		ReconnectPoll:   2 * time.Second,
		CleanupInterval: 10 * time.Minute,
		StalePendingAge: time.Hour,
	}
}

// contestRun is the in-memory state of one contest being driven here.
// The database stays authoritative; this exists for the vote fast path
// and to carry the driver's working set.
type contestRun struct {
	id      string
	contest *database.Contest
	preset  *preset.FormatPreset
	topic   *database.Topic
	pro     *database.Agent
	con     *database.Agent

	mu          sync.Mutex
	roundIndex  int
	roundStatus types.RoundStatus
	proScore    int
	conScore    int
	history     []router.HistoryMessage
	forfeitBy   types.Side
	cancelled   bool

	resume     bool
	startRound int

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *contestRun) agentFor(side types.Side) *database.Agent {
	if side == types.SidePro {
		return r.pro
	}
	return r.con
}

func (r *contestRun) appendHistory(t *database.Turn) {
	r.mu.Lock()
	r.history = append(r.history, router.HistoryMessage{
		RoundIndex: t.RoundIndex,
		Position:   t.Position,
		Content:    t.Content,
	})
	r.mu.Unlock()
}

// historySnapshot returns the transcript so far plus the opponent's
// latest message for the side about to speak.
func (r *contestRun) historySnapshot(speaking types.Side) ([]router.HistoryMessage, *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]router.HistoryMessage, len(r.history))
	copy(snapshot, r.history)

	opponent := speaking.Opponent()
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].Position == opponent {
			msg := snapshot[i].Content
			return snapshot, &msg
		}
	}
	return snapshot, nil
}

func (r *contestRun) scores() (pro, con int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proScore, r.conScore
}

func (r *contestRun) applyOutcome(winner types.Side) {
	r.mu.Lock()
	switch winner {
	case types.SidePro:
		r.proScore++
	case types.SideCon:
		r.conScore++
	}
	r.mu.Unlock()
}

func (r *contestRun) interruptCause() (types.Side, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forfeitBy, r.cancelled
}

// Orchestrator owns the contest lifecycle: it launches matched pairs,
// drives rounds and vote windows, finalizes ratings and bets, and
// recovers interrupted contests after a restart.
type Orchestrator struct {
	db      database.Store
	bus     bus.Bus
	presets *preset.Registry
	agents  AgentCaller
	cfg     Config

	mu     sync.RWMutex
	active map[string]*contestRun

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator
func New(db database.Store, b bus.Bus, presets *preset.Registry, agents AgentCaller, cfg Config) *Orchestrator {
	if cfg.VoteTick <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		db:      db,
		bus:     b,
		presets: presets,
		agents:  agents,
		cfg:     cfg,
		active:  make(map[string]*contestRun),
	}
}

// Start launches the stale-contest cleanup loop
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.cleanupLoop()
}

// Stop interrupts every running contest and waits for the drivers to
// exit. Interrupted contests stay in_progress in the database and are
// picked up by recovery on the next boot.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) run(contestID string) *contestRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[contestID]
}

// ActiveCount reports how many contests this replica is driving
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// StartMatch creates and launches a contest for a matched pair. The
// matchmaker calls this; the topic is drawn at random from the pool.
func (o *Orchestrator) StartMatch(ctx context.Context, proAgentID, conAgentID, presetID string, stake int64) (string, error) {
	p, err := o.presets.Get(presetID)
	if err != nil {
		return "", err
	}

	pro, err := o.db.GetAgent(proAgentID)
	if err != nil {
		return "", fmt.Errorf("pro agent lookup failed: %v", err)
	}
	con, err := o.db.GetAgent(conAgentID)
	if err != nil {
		return "", fmt.Errorf("con agent lookup failed: %v", err)
	}

	topics, err := o.db.ListTopics()
	if err != nil {
		return "", fmt.Errorf("topic lookup failed: %v", err)
	}
	if len(topics) == 0 {
		return "", fmt.Errorf("no topics available")
	}
	topic := topics[rand.Intn(len(topics))]

	contest := &database.Contest{
		ID:          uuid.New().String(),
		TopicID:     topic.ID,
		PresetID:    presetID,
		ProAgentID:  proAgentID,
		ConAgentID:  conAgentID,
		StakeAmount: stake,
	}
	if err := o.db.CreateContest(contest); err != nil {
		return "", err
	}

	logging.LogDebateEvent("contest_created", contest.ID, map[string]interface{}{
		"topic":        topic.Title,
		"preset_id":    presetID,
		"pro_agent_id": proAgentID,
		"con_agent_id": conAgentID,
		"stake":        stake,
	})

	o.launch(&contestRun{
		id:      contest.ID,
		contest: contest,
		preset:  p,
		topic:   topic,
		pro:     pro,
		con:     con,
	})
	return contest.ID, nil
}

// launch registers a run and spawns its driver goroutine
func (o *Orchestrator) launch(run *contestRun) {
	run.ctx, run.cancel = context.WithCancel(o.ctx)

	o.mu.Lock()
	o.active[run.id] = run
	o.mu.Unlock()

	o.wg.Add(1)
	go o.drive(run)
}

func (o *Orchestrator) removeRun(contestID string) {
	o.mu.Lock()
	delete(o.active, contestID)
	o.mu.Unlock()
}

// Forfeit concedes a contest on behalf of one side. The requester must
// own one of the two agents; their side forfeits and the opponent wins.
func (o *Orchestrator) Forfeit(contestID, userID string) error {
	run := o.run(contestID)
	if run == nil {
		return ErrContestNotActive
	}

	var side types.Side
	switch userID {
	case run.pro.OwnerID:
		side = types.SidePro
	case run.con.OwnerID:
		side = types.SideCon
	default:
		return ErrNotOwner
	}

	run.mu.Lock()
	if run.forfeitBy == "" && !run.cancelled {
		run.forfeitBy = side
	}
	run.mu.Unlock()
	run.cancel()
	return nil
}

// Cancel aborts a contest with full bet refunds. Running contests are
// interrupted; pending ones are cancelled directly.
func (o *Orchestrator) Cancel(contestID string) error {
	if run := o.run(contestID); run != nil {
		run.mu.Lock()
		if run.forfeitBy == "" {
			run.cancelled = true
		}
		run.mu.Unlock()
		run.cancel()
		return nil
	}

	if err := o.db.CancelContest(contestID, types.ContestPending); err != nil {
		return err
	}
	o.refundBets(contestID)
	o.publish(contestID, events.ErrorEvent, events.ErrorPayload{
		Code:    types.CodeDebateCancelled,
		Message: "debate cancelled",
	})
	return nil
}

// publish encodes and fans out a lifecycle event on the contest channel
func (o *Orchestrator) publish(contestID, eventType string, payload interface{}) {
	data, err := events.New(eventType, contestID, payload).Encode()
	if err != nil {
		logging.LogDebateEvent("event_encode_failed", contestID, map[string]interface{}{"type": eventType, "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.bus.Publish(ctx, bus.ContestChannel(contestID), data); err != nil {
		logging.LogBusEvent("event_publish_failed", bus.ContestChannel(contestID), map[string]interface{}{"type": eventType, "error": err.Error()})
	}
}

// refundBets returns every stake on a cancelled contest
func (o *Orchestrator) refundBets(contestID string) {
	bets, err := o.db.ListBets(contestID)
	if err != nil {
		logging.LogDatabaseEvent("refund_list_failed", map[string]interface{}{"contest_id": contestID, "error": err.Error()})
		return
	}
	for _, b := range bets {
		if b.Settled {
			continue
		}
		if err := o.db.SettleBet(b.ID, b.Amount); err != nil {
			logging.LogDatabaseEvent("refund_failed", map[string]interface{}{"bet_id": b.ID, "error": err.Error()})
		}
	}
}

// cleanupLoop cancels pending contests that never started
func (o *Orchestrator) cleanupLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.cleanupStale()
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) cleanupStale() {
	contests, err := o.db.ListUnfinishedContests()
	if err != nil {
		logging.LogDatabaseEvent("cleanup_list_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	cutoff := time.Now().Add(-o.cfg.StalePendingAge)
	for _, c := range contests {
		if c.Status != types.ContestPending || c.CreatedAt.After(cutoff) {
			continue
		}
		if o.run(c.ID) != nil {
			continue
		}
		if err := o.db.CancelContest(c.ID, types.ContestPending); err != nil {
			if !errors.Is(err, database.ErrStatusConflict) {
				logging.LogDatabaseEvent("cleanup_cancel_failed", map[string]interface{}{"contest_id": c.ID, "error": err.Error()})
			}
			continue
		}
		o.refundBets(c.ID)
		logging.LogDebateEvent("contest_expired", c.ID, map[string]interface{}{"created_at": c.CreatedAt})
	}
}

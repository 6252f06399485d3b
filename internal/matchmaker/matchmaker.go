package matchmaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/preset"
)

// anyPreset marks an entry willing to play any format
const anyPreset = ""

// defaultPresetID is used when both matched entries accept any format
const defaultPresetID = "classic"

const waitWindowSize = 32

// ContestStarter launches a contest for a matched pair. The
// orchestrator implements it.
type ContestStarter interface {
	StartMatch(ctx context.Context, proAgentID, conAgentID, presetID string, stake int64) (string, error)
}

// ConnectivityChecker reports fleet-wide agent reachability. The
// router implements it.
type ConnectivityChecker interface {
	AgentConnected(ctx context.Context, agentID string) bool
}

// Config tunes the pairing policy
type Config struct {
	ScanInterval   time.Duration
	BaseTolerance  int           // Initial acceptable rating gap
	ToleranceStep  int           // Gap widening per step interval waited
	StepInterval   time.Duration // How often the gap widens
	MaxTolerance   int
	AllowSameOwner bool // Permit pairing two agents of one owner
}

// DefaultConfig returns the standard pairing policy
func DefaultConfig() Config {
	return Config{
		ScanInterval:  2 * time.Second,
		BaseTolerance: 100,
		ToleranceStep: 100,
		StepInterval:  30 * time.Second,
		MaxTolerance:  500,
	}
}

// entry is one queued agent
type entry struct {
	id         string
	agentID    string
	ownerID    string
	rating     int
	stake      int64
	presetID   string // anyPreset means no format preference
	enqueuedAt time.Time
}

// tolerance is the acceptable rating gap for an entry, widening the
// longer it waits. A zero StepInterval disables widening; a zero
// MaxTolerance disables the cap.
func (e *entry) tolerance(cfg Config, now time.Time) int {
	tol := cfg.BaseTolerance
	if cfg.StepInterval > 0 {
		steps := int(now.Sub(e.enqueuedAt) / cfg.StepInterval)
		tol += steps * cfg.ToleranceStep
	}
	if cfg.MaxTolerance > 0 && tol > cfg.MaxTolerance {
		tol = cfg.MaxTolerance
	}
	return tol
}

// Stats is the queue snapshot exposed over REST
type Stats struct {
	Size           int     `json:"size"`
	Matches        int64   `json:"matches"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}

// Matchmaker pairs queued agents into contests. Entries are scanned
// oldest-first on a fixed cadence; stale agents (deactivated, deleted,
// or disconnected) are evicted eagerly during the scan.
type Matchmaker struct {
	db      database.Store
	presets *preset.Registry
	conn    ConnectivityChecker
	cfg     Config

	starterMu sync.RWMutex
	starter   ContestStarter

	mu      sync.Mutex
	queue   []*entry         // FIFO by enqueue time
	byAgent map[string]*entry

	statsMu sync.Mutex
	waits   []time.Duration // Rolling window of matched wait times
	matches int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a matchmaker
func New(db database.Store, presets *preset.Registry, conn ConnectivityChecker, cfg Config) *Matchmaker {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Matchmaker{
		db:      db,
		presets: presets,
		conn:    conn,
		cfg:     cfg,
		byAgent: make(map[string]*entry),
	}
}

// SetStarter wires the orchestrator in after construction
func (m *Matchmaker) SetStarter(s ContestStarter) {
	m.starterMu.Lock()
	defer m.starterMu.Unlock()
	m.starter = s
}

func (m *Matchmaker) contestStarter() ContestStarter {
	m.starterMu.RLock()
	defer m.starterMu.RUnlock()
	return m.starter
}

// Start launches the pairing scan loop
func (m *Matchmaker) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.scanLoop()
}

// Stop halts the scan loop and drains the queue
func (m *Matchmaker) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	m.queue = nil
	m.byAgent = make(map[string]*entry)
	m.mu.Unlock()
}

// Join enqueues an agent. A second join for the same agent replaces
// the first, resetting its wait clock. presetID may be empty to accept
// any format.
func (m *Matchmaker) Join(agentID, ownerID string, stake int64, presetID string) ([]string, []string, error) {
	if stake < 0 {
		return nil, nil, fmt.Errorf("stake must be non-negative")
	}

	presetIDs := []string{presetID}
	if presetID == anyPreset {
		presetIDs = m.presets.IDs()
	} else if _, err := m.presets.Get(presetID); err != nil {
		return nil, nil, err
	}

	agent, err := m.db.GetAgent(agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("agent lookup failed: %v", err)
	}
	if !agent.Active {
		return nil, nil, fmt.Errorf("agent %s is not active", agentID)
	}

	e := &entry{
		id:         uuid.New().String(),
		agentID:    agentID,
		ownerID:    ownerID,
		rating:     agent.Rating,
		stake:      stake,
		presetID:   presetID,
		enqueuedAt: time.Now(),
	}

	m.mu.Lock()
	if old, ok := m.byAgent[agentID]; ok {
		m.removeLocked(old)
	}
	m.queue = append(m.queue, e)
	m.byAgent[agentID] = e
	size := len(m.queue)
	m.mu.Unlock()

	logging.LogMatchmakerEvent("queue_joined", map[string]interface{}{
		"agent_id":   agentID,
		"stake":      stake,
		"preset_id":  presetID,
		"queue_size": size,
	})
	return []string{e.id}, presetIDs, nil
}

// Leave removes an agent from the queue. Returns false when the agent
// was not queued.
func (m *Matchmaker) Leave(agentID string) bool {
	m.mu.Lock()
	e, ok := m.byAgent[agentID]
	if ok {
		m.removeLocked(e)
	}
	m.mu.Unlock()

	if ok {
		logging.LogMatchmakerEvent("queue_left", map[string]interface{}{"agent_id": agentID})
	}
	return ok
}

// removeLocked drops an entry; callers hold m.mu
func (m *Matchmaker) removeLocked(e *entry) {
	delete(m.byAgent, e.agentID)
	for i, q := range m.queue {
		if q == e {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Size reports the current queue depth
func (m *Matchmaker) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// QueueStats returns the REST-facing queue snapshot
func (m *Matchmaker) QueueStats() Stats {
	m.statsMu.Lock()
	var total time.Duration
	for _, w := range m.waits {
		total += w
	}
	avg := 0.0
	if len(m.waits) > 0 {
		avg = (total / time.Duration(len(m.waits))).Seconds()
	}
	matches := m.matches
	m.statsMu.Unlock()

	return Stats{Size: m.Size(), Matches: matches, AvgWaitSeconds: avg}
}

func (m *Matchmaker) recordMatch(waits ...time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.matches++
	m.waits = append(m.waits, waits...)
	if n := len(m.waits); n > waitWindowSize {
		m.waits = m.waits[n-waitWindowSize:]
	}
}

func (m *Matchmaker) scanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-m.ctx.Done():
			return
		}
	}
}

// compatible reports whether two entries may be paired, given the
// widest tolerance either side has earned by waiting.
func (m *Matchmaker) compatible(a, b *entry, now time.Time) bool {
	if a.agentID == b.agentID {
		return false
	}
	if !m.cfg.AllowSameOwner && a.ownerID == b.ownerID && a.ownerID != "" {
		return false
	}
	if a.stake != b.stake {
		return false
	}
	if a.presetID != anyPreset && b.presetID != anyPreset && a.presetID != b.presetID {
		return false
	}

	gap := a.rating - b.rating
	if gap < 0 {
		gap = -gap
	}
	tol := a.tolerance(m.cfg, now)
	if bt := b.tolerance(m.cfg, now); bt > tol {
		tol = bt
	}
	return gap <= tol
}

// scan walks the queue oldest-first, evicting stale entries and pairing
// the oldest waiter with its closest-rated compatible partner.
func (m *Matchmaker) scan() {
	now := time.Now()

	m.mu.Lock()
	snapshot := make([]*entry, len(m.queue))
	copy(snapshot, m.queue)
	m.mu.Unlock()

	for _, e := range snapshot {
		if m.stale(e) {
			m.mu.Lock()
			if m.byAgent[e.agentID] == e {
				m.removeLocked(e)
			}
			m.mu.Unlock()
			logging.LogMatchmakerEvent("queue_evicted", map[string]interface{}{"agent_id": e.agentID})
		}
	}

	for {
		pro, con, presetID, stake, ok := m.takePair(now)
		if !ok {
			return
		}
		if !m.launch(pro, con, presetID, stake) {
			// The pair is back in the queue; retrying it within this
			// scan would spin. The next tick picks it up again.
			return
		}
	}
}

// stale reports whether an entry's agent can no longer play
func (m *Matchmaker) stale(e *entry) bool {
	agent, err := m.db.GetAgent(e.agentID)
	if err != nil || !agent.Active {
		return true
	}
	if m.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if !m.conn.AgentConnected(ctx, e.agentID) {
			return true
		}
	}
	return false
}

// takePair removes and returns the best available pairing: the oldest
// waiter against the compatible partner with the smallest rating gap,
// earlier enqueue breaking ties.
func (m *Matchmaker) takePair(now time.Time) (pro, con *entry, presetID string, stake int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.queue {
		var best *entry
		bestGap := 0
		for _, b := range m.queue[i+1:] {
			if !m.compatible(a, b, now) {
				continue
			}
			gap := a.rating - b.rating
			if gap < 0 {
				gap = -gap
			}
			if best == nil || gap < bestGap {
				best, bestGap = b, gap
			}
		}
		if best == nil {
			continue
		}

		m.removeLocked(a)
		m.removeLocked(best)

		presetID = a.presetID
		if presetID == anyPreset {
			presetID = best.presetID
		}
		if presetID == anyPreset {
			presetID = defaultPresetID
		}

		// Sides are deterministic: the lexicographically smaller agent
		// id argues pro, so replays and retries agree.
		pro, con = a, best
		if con.agentID < pro.agentID {
			pro, con = con, pro
		}
		return pro, con, presetID, a.stake, true
	}
	return nil, nil, "", 0, false
}

// launch hands a matched pair to the orchestrator. A failed start
// re-enqueues both entries with their original wait clocks and
// reports false.
func (m *Matchmaker) launch(pro, con *entry, presetID string, stake int64) bool {
	starter := m.contestStarter()
	if starter == nil {
		m.requeue(pro, con)
		return false
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	contestID, err := starter.StartMatch(ctx, pro.agentID, con.agentID, presetID, stake)
	if err != nil {
		logging.LogMatchmakerEvent("match_start_failed", map[string]interface{}{
			"pro_agent_id": pro.agentID,
			"con_agent_id": con.agentID,
			"error":        err.Error(),
		})
		m.requeue(pro, con)
		return false
	}

	now := time.Now()
	m.recordMatch(now.Sub(pro.enqueuedAt), now.Sub(con.enqueuedAt))

	logging.LogMatchmakerEvent("match_started", map[string]interface{}{
		"contest_id":   contestID,
		"pro_agent_id": pro.agentID,
		"con_agent_id": con.agentID,
		"preset_id":    presetID,
		"stake":        stake,
	})
	return true
}

// requeue reinserts entries in enqueue order. takePair scans the queue
// front to back, so a failed start must not push a long waiter behind
// agents that joined after it.
func (m *Matchmaker) requeue(entries ...*entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.byAgent[e.agentID]; ok {
			continue // The agent re-joined on its own in the meantime
		}
		i := sort.Search(len(m.queue), func(i int) bool {
			return m.queue[i].enqueuedAt.After(e.enqueuedAt)
		})
		m.queue = append(m.queue, nil)
		copy(m.queue[i+1:], m.queue[i:])
		m.queue[i] = e
		m.byAgent[e.agentID] = e
	}
}

package spectator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/neo/debatearena_backend/internal/auth"
	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/events"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/types"
)

const countRefreshInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// VoteService admits spectator votes. The orchestrator implements it;
// rejections come back as errors and are mapped to wire codes here.
type VoteService interface {
	SubmitVote(ctx context.Context, contestID, voterID string, roundIndex int, choice types.Side) error
}

// session is one spectator socket
type session struct {
	hub     *Hub
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  string // Empty for anonymous (non-voting) viewers

	mu        sync.Mutex
	contestID string          // Currently joined contest, one at a time
	catchup   [][]byte        // Live events held back during replay; nil once live
	replayed  map[string]bool // Turn keys the replay snapshot delivered
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendEvent(ev events.Event) {
	if err := s.writeJSON(ev); err != nil {
		logging.LogWebSocketEvent("spectator_write_failed", ev.DebateID, map[string]interface{}{"error": err.Error()})
	}
}

func (s *session) sendError(debateID, code, message string) {
	s.sendEvent(events.New(events.ErrorEvent, debateID, events.ErrorPayload{Code: code, Message: message}))
}

func (s *session) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contestID
}

func (s *session) setJoined(contestID string) {
	s.mu.Lock()
	s.contestID = contestID
	s.mu.Unlock()
}

// beginCatchup starts holding back live room events so the replay
// snapshot reaches the viewer before anything published after the join.
func (s *session) beginCatchup() {
	s.mu.Lock()
	s.catchup = [][]byte{}
	s.replayed = make(map[string]bool)
	s.mu.Unlock()
}

func (s *session) noteReplayed(key string) {
	s.mu.Lock()
	if s.replayed != nil {
		s.replayed[key] = true
	}
	s.mu.Unlock()
}

// deliver writes a live room event, or buffers it while the session is
// still catching up.
func (s *session) deliver(data []byte) error {
	s.mu.Lock()
	if s.catchup != nil {
		s.catchup = append(s.catchup, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.writeRaw(data)
}

// goLive flushes the events held back during catch-up, dropping turns
// the replay already delivered, and switches to direct delivery.
func (s *session) goLive() {
	s.mu.Lock()
	buffered := s.catchup
	replayed := s.replayed
	s.catchup, s.replayed = nil, nil
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, data := range buffered {
		if coveredByReplay(replayed, data) {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.conn.Close()
			return
		}
	}
}

// turnKey identifies one turn across replay and live delivery
func turnKey(roundIndex int, position types.Side, content string) string {
	return fmt.Sprintf("%d|%s|%s", roundIndex, position, content)
}

// coveredByReplay reports whether a held-back live event is a turn the
// replay snapshot already carried.
func coveredByReplay(replayed map[string]bool, data []byte) bool {
	if len(replayed) == 0 {
		return false
	}
	var ev struct {
		Type    string `json:"type"`
		Payload struct {
			RoundIndex int        `json:"round_index"`
			Position   types.Side `json:"position"`
			Content    string     `json:"content"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type != events.BotMessage {
		return false
	}
	return replayed[turnKey(ev.Payload.RoundIndex, ev.Payload.Position, ev.Payload.Content)]
}

// room is the local fan-out group for one contest
type room struct {
	contestID string
	sessions  map[*session]bool
	cancelSub func()
}

// Hub owns the spectator sockets on this replica. It mirrors lifecycle
// events off the bus to local viewers, replays history to late joiners,
// forwards votes to the orchestrator, and keeps the fleet-wide viewer
// count fresh.
type Hub struct {
	db        database.Store
	bus       bus.Bus
	auth      *auth.Auth
	presets   *preset.Registry
	replicaID string

	votesMu sync.RWMutex
	votes   VoteService

	mu    sync.Mutex
	rooms map[string]*room

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates the spectator hub for this replica
func NewHub(db database.Store, b bus.Bus, a *auth.Auth, presets *preset.Registry, replicaID string) *Hub {
	return &Hub{
		db:        db,
		bus:       b,
		auth:      a,
		presets:   presets,
		replicaID: replicaID,
		rooms:     make(map[string]*room),
	}
}

// SetVoteService wires the orchestrator in after construction
func (h *Hub) SetVoteService(v VoteService) {
	h.votesMu.Lock()
	defer h.votesMu.Unlock()
	h.votes = v
}

func (h *Hub) voteService() VoteService {
	h.votesMu.RLock()
	defer h.votesMu.RUnlock()
	return h.votes
}

// Start launches the viewer-count TTL refresher
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	go h.refreshLoop()
}

// Stop drops every room and closes every spectator socket
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rm := range h.rooms {
		rm.cancelSub()
		for s := range rm.sessions {
			s.conn.Close()
		}
	}
	h.rooms = make(map[string]*room)
}

// HandleSpectatorSocket is the gin handler for GET /ws/spectate.
// An optional ?token= query carries the viewer identity; absence means
// an anonymous, non-voting session.
func (h *Hub) HandleSpectatorSocket(c *gin.Context) {
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.LogWebSocketEvent("spectator_upgrade_failed", "", map[string]interface{}{"error": err.Error()})
		return
	}

	s := &session{hub: h, conn: conn}

	userID, err := h.auth.UserIDFromToken(token)
	if err != nil {
		// Bad token degrades to anonymous; the viewer can still watch.
		s.sendError("", types.CodeNotAuthenticated, "invalid token, continuing as anonymous")
	} else {
		s.userID = userID
	}

	h.readLoop(s)
}

func (h *Hub) readLoop(s *session) {
	defer func() {
		h.leaveRoom(s)
		s.conn.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("", types.CodeInvalidMessage, "malformed JSON")
			continue
		}

		switch msg.Type {
		case MsgJoinDebate:
			h.handleJoin(s, msg.DebateID)
		case MsgLeaveDebate:
			h.leaveRoom(s)
		case MsgSubmitVote:
			h.handleVote(s, &msg)
		case MsgPing:
			s.sendEvent(events.New(events.Pong, s.joined(), nil))
		default:
			s.sendError(s.joined(), types.CodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
		}
	}
}

func (h *Hub) handleJoin(s *session, contestID string) {
	if contestID == "" {
		s.sendError("", types.CodeInvalidDebateID, "debate_id is required")
		return
	}

	contest, err := h.db.GetContest(contestID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.sendError(contestID, types.CodeInvalidDebateID, "no such debate")
		} else {
			s.sendError(contestID, types.CodeVoteFailed, "debate lookup failed")
			logging.LogDatabaseEvent("contest_lookup_failed", map[string]interface{}{"contest_id": contestID, "error": err.Error()})
		}
		return
	}

	if prev := s.joined(); prev != "" && prev != contestID {
		h.leaveRoom(s)
	}

	// The gate goes up before the room subscription becomes visible, so
	// nothing published mid-replay can jump ahead of the snapshot.
	s.beginCatchup()
	if err := h.joinRoom(s, contestID); err != nil {
		s.goLive()
		s.sendError(contestID, types.CodeVoteFailed, "failed to join debate")
		return
	}
	s.setJoined(contestID)

	h.replay(s, contest)
	s.goLive()
	h.publishCount(contestID)
}

// joinRoom adds the session to the contest room, creating the room and
// its bus subscription on first join.
func (h *Hub) joinRoom(s *session, contestID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[contestID]
	if !ok {
		ch, cancelSub, err := h.bus.Subscribe(h.ctx, bus.ContestChannel(contestID))
		if err != nil {
			return fmt.Errorf("failed to subscribe to contest channel: %v", err)
		}
		rm = &room{contestID: contestID, sessions: make(map[*session]bool), cancelSub: cancelSub}
		h.rooms[contestID] = rm
		go h.pump(rm, ch)
	}
	rm.sessions[s] = true
	return nil
}

// leaveRoom removes the session from its room; the last viewer out
// tears the room and its subscription down.
func (h *Hub) leaveRoom(s *session) {
	contestID := s.joined()
	if contestID == "" {
		return
	}
	s.setJoined("")

	h.mu.Lock()
	rm, ok := h.rooms[contestID]
	if ok {
		delete(rm.sessions, s)
		if len(rm.sessions) == 0 {
			rm.cancelSub()
			delete(h.rooms, contestID)
		}
	}
	h.mu.Unlock()

	h.publishCount(contestID)
}

// pump forwards decoded bus events to every local viewer of a room
func (h *Hub) pump(rm *room, ch <-chan []byte) {
	for payload := range ch {
		ev, err := events.Decode(payload)
		if err != nil {
			logging.LogBusEvent("event_decode_failed", bus.ContestChannel(rm.contestID), map[string]interface{}{"error": err.Error()})
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}

		h.mu.Lock()
		sessions := make([]*session, 0, len(rm.sessions))
		for s := range rm.sessions {
			sessions = append(sessions, s)
		}
		h.mu.Unlock()

		for _, s := range sessions {
			if err := s.deliver(data); err != nil {
				s.conn.Close() // readLoop observes the close and leaves
			}
		}
	}
}

// replay sends the catch-up snapshot to a late joiner: a synthetic
// debate_started header followed by every persisted turn, all marked
// replayed so clients can suppress animations.
func (h *Hub) replay(s *session, contest *database.Contest) {
	if contest.Status == types.ContestPending {
		return
	}

	started := events.DebateStartedPayload{
		PresetID:    contest.PresetID,
		ProAgentID:  contest.ProAgentID,
		ConAgentID:  contest.ConAgentID,
		StakeAmount: contest.StakeAmount,
		Replayed:    true,
	}
	if topic, err := h.db.GetTopic(contest.TopicID); err == nil {
		started.Topic = topic.Title
	}
	if p, err := h.presets.Get(contest.PresetID); err == nil {
		started.RoundCount = len(p.Rounds)
	}
	names := make(map[string]string, 2)
	for _, id := range []string{contest.ProAgentID, contest.ConAgentID} {
		if agent, err := h.db.GetAgent(id); err == nil {
			names[id] = agent.Name
		}
	}
	started.ProName = names[contest.ProAgentID]
	started.ConName = names[contest.ConAgentID]

	s.sendEvent(events.New(events.DebateStarted, contest.ID, started))

	turns, err := h.db.ListTurns(contest.ID)
	if err != nil {
		logging.LogDatabaseEvent("replay_turns_failed", map[string]interface{}{"contest_id": contest.ID, "error": err.Error()})
		return
	}
	for _, t := range turns {
		s.noteReplayed(turnKey(t.RoundIndex, t.Position, t.Content))
		s.sendEvent(events.New(events.BotMessage, contest.ID, events.BotMessagePayload{
			RoundIndex: t.RoundIndex,
			Position:   t.Position,
			AgentID:    t.AgentID,
			AgentName:  names[t.AgentID],
			Content:    t.Content,
			Replayed:   true,
		}))
	}
}

func (h *Hub) handleVote(s *session, msg *ClientMessage) {
	joined := s.joined()
	if joined == "" || msg.DebateID != joined {
		s.sendError(msg.DebateID, types.CodeWrongDebate, "not watching this debate")
		return
	}
	if s.userID == "" {
		s.sendError(joined, types.CodeNotAuthenticated, "voting requires a signed-in session")
		return
	}
	if msg.RoundIndex == nil {
		s.sendError(joined, types.CodeInvalidVote, "round_index is required")
		return
	}
	choice, err := types.ParseSide(msg.Choice)
	if err != nil || choice == types.SideNone {
		s.sendError(joined, types.CodeInvalidVote, fmt.Sprintf("choice must be %s or %s", types.SidePro, types.SideCon))
		return
	}

	svc := h.voteService()
	if svc == nil {
		s.sendError(joined, types.CodeVoteFailed, "voting unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := svc.SubmitVote(ctx, joined, s.userID, *msg.RoundIndex, choice); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			s.sendError(joined, types.CodeInvalidDebateID, "no such debate")
		case errors.Is(err, database.ErrAlreadyVoted):
			s.sendError(joined, types.CodeVoteFailed, "already voted this round")
		default:
			s.sendError(joined, types.CodeVoteFailed, err.Error())
		}
		return
	}

	s.sendEvent(events.New(events.VoteAccepted, joined, events.VoteAcceptedPayload{
		RoundIndex: *msg.RoundIndex,
		Choice:     choice,
	}))
}

// localCount reports this replica's viewer count for a contest
func (h *Hub) localCount(contestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[contestID]; ok {
		return len(rm.sessions)
	}
	return 0
}

// publishCount refreshes this replica's viewer-count key, aggregates
// the fleet-wide total, persists it, and announces it on the contest
// channel. The per-replica keys carry a TTL so a dead replica's share
// ages out on its own.
func (h *Hub) publishCount(contestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	local := h.localCount(contestID)
	key := bus.SpectatorsKey(contestID, h.replicaID)
	var err error
	if local == 0 {
		err = h.bus.DeleteKey(ctx, key)
	} else {
		err = h.bus.SetKey(ctx, key, strconv.Itoa(local), bus.SpectatorCountTTL)
	}
	if err != nil {
		logging.LogBusEvent("spectator_key_failed", key, map[string]interface{}{"error": err.Error()})
		return
	}

	total := 0
	keys, err := h.bus.Keys(ctx, bus.SpectatorsPattern(contestID))
	if err != nil {
		logging.LogBusEvent("spectator_keys_failed", contestID, map[string]interface{}{"error": err.Error()})
		total = local
	} else {
		for _, k := range keys {
			if v, ok, err := h.bus.GetKey(ctx, k); err == nil && ok {
				if n, err := strconv.Atoi(v); err == nil {
					total += n
				}
			}
		}
	}

	if err := h.db.UpdateSpectatorCount(contestID, total); err != nil {
		logging.LogDatabaseEvent("spectator_count_persist_failed", map[string]interface{}{"contest_id": contestID, "error": err.Error()})
	}

	ev := events.New(events.SpectatorCount, contestID, events.SpectatorCountPayload{Count: total})
	if data, err := ev.Encode(); err == nil {
		if err := h.bus.Publish(ctx, bus.ContestChannel(contestID), data); err != nil {
			logging.LogBusEvent("spectator_count_publish_failed", contestID, map[string]interface{}{"error": err.Error()})
		}
	}
}

// refreshLoop keeps the per-replica viewer-count keys alive while
// viewers are attached.
func (h *Hub) refreshLoop() {
	ticker := time.NewTicker(countRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			counts := make(map[string]int, len(h.rooms))
			for id, rm := range h.rooms {
				counts[id] = len(rm.sessions)
			}
			h.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for id, n := range counts {
				if n == 0 {
					continue
				}
				if err := h.bus.SetKey(ctx, bus.SpectatorsKey(id, h.replicaID), strconv.Itoa(n), bus.SpectatorCountTTL); err != nil {
					logging.LogBusEvent("spectator_key_refresh_failed", id, map[string]interface{}{"error": err.Error()})
				}
			}
			cancel()
		case <-h.ctx.Done():
			return
		}
	}
}

// RoomCount reports how many contests have local viewers
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

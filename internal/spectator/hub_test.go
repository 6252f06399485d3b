package spectator

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debatearena_backend/internal/auth"
	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/events"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/types"
)

type voteCall struct {
	contestID  string
	voterID    string
	roundIndex int
	choice     types.Side
}

type fakeVotes struct {
	mu    sync.Mutex
	calls []voteCall
	err   error
}

func (f *fakeVotes) SubmitVote(ctx context.Context, contestID, voterID string, roundIndex int, choice types.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, voteCall{contestID, voterID, roundIndex, choice})
	return f.err
}

func (f *fakeVotes) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeVotes) recorded() []voteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]voteCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type hubFixture struct {
	hub   *Hub
	db    *database.Database
	bus   bus.Bus
	auth  *auth.Auth
	votes *fakeVotes
	srv   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(t.TempDir())
	require.NoError(t, err)

	localBus := bus.NewLocalBus()
	a := auth.New(auth.Config{JWTSecret: "spectator-test-secret"})
	votes := &fakeVotes{}

	h := NewHub(db, localBus, a, preset.NewRegistry(), "replica-test")
	h.SetVoteService(votes)
	h.Start(context.Background())

	engine := gin.New()
	engine.GET("/ws/spectate", h.HandleSpectatorSocket)
	srv := httptest.NewServer(engine)

	t.Cleanup(func() {
		srv.Close()
		h.Stop()
		localBus.Close()
		db.Close()
	})
	return &hubFixture{hub: h, db: db, bus: localBus, auth: a, votes: votes, srv: srv}
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/spectate"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wireEvent is the client-side view of an event envelope
type wireEvent struct {
	Type     string          `json:"type"`
	DebateID string          `json:"debate_id"`
	Payload  json.RawMessage `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func errorCode(t *testing.T, ev wireEvent) string {
	t.Helper()
	require.Equal(t, events.ErrorEvent, ev.Type)
	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	return payload.Code
}

func seedContest(t *testing.T, db *database.Database, presetID string) *database.Contest {
	t.Helper()

	topics, err := db.ListTopics()
	require.NoError(t, err)

	agents := make([]*database.Agent, 2)
	for i, name := range []string{"pro-bot", "con-bot"} {
		owner := &database.User{ID: uuid.New().String(), Username: "owner-" + uuid.New().String()}
		require.NoError(t, db.CreateUser(owner, "password"))
		agents[i] = &database.Agent{
			ID:              uuid.New().String(),
			OwnerID:         owner.ID,
			Name:            name,
			Rating:          1500,
			Active:          true,
			ConnectionToken: uuid.New().String() + uuid.New().String(),
		}
		require.NoError(t, db.CreateAgent(agents[i]))
	}

	contest := &database.Contest{
		ID:         uuid.New().String(),
		TopicID:    topics[0].ID,
		PresetID:   presetID,
		ProAgentID: agents[0].ID,
		ConAgentID: agents[1].ID,
	}
	require.NoError(t, db.CreateContest(contest))
	return contest
}

func join(t *testing.T, conn *websocket.Conn, contestID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": MsgJoinDebate, "debate_id": contestID}))
}

func TestJoinUnknownDebate(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	join(t, conn, "no-such-debate")
	assert.Equal(t, types.CodeInvalidDebateID, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MsgJoinDebate}))
	assert.Equal(t, types.CodeInvalidDebateID, errorCode(t, readEvent(t, conn)))
}

func TestInvalidTokenDegradesToAnonymous(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "garbage-token")

	assert.Equal(t, types.CodeNotAuthenticated, errorCode(t, readEvent(t, conn)))

	// The session still works for watching.
	contest := seedContest(t, f.db, "classic")
	join(t, conn, contest.ID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MsgPing}))
	ev := readEvent(t, conn)
	assert.Equal(t, events.Pong, ev.Type)
}

func TestReplayForLateJoiner(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")
	require.NoError(t, f.db.StartContest(contest.ID))

	for i, side := range []types.Side{types.SidePro, types.SideCon} {
		agentID := contest.ProAgentID
		if side == types.SideCon {
			agentID = contest.ConAgentID
		}
		_, err := f.db.AppendTurn(&database.Turn{
			ContestID:  contest.ID,
			RoundIndex: 0,
			Position:   side,
			AgentID:    agentID,
			Content:    "argument " + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}

	conn := f.dial(t, "")
	join(t, conn, contest.ID)

	started := readEvent(t, conn)
	require.Equal(t, events.DebateStarted, started.Type)
	var startedPayload events.DebateStartedPayload
	require.NoError(t, json.Unmarshal(started.Payload, &startedPayload))
	assert.True(t, startedPayload.Replayed)
	assert.NotEmpty(t, startedPayload.Topic)
	assert.Equal(t, "pro-bot", startedPayload.ProName)
	assert.Equal(t, "con-bot", startedPayload.ConName)
	assert.Equal(t, 7, startedPayload.RoundCount)

	for _, want := range []string{"argument a", "argument b"} {
		ev := readEvent(t, conn)
		require.Equal(t, events.BotMessage, ev.Type)
		var payload events.BotMessagePayload
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.True(t, payload.Replayed)
		assert.Equal(t, want, payload.Content)
	}

	// The join also refreshes the fleet-wide viewer count.
	assert.Eventually(t, func() bool {
		c, err := f.db.GetContest(contest.ID)
		return err == nil && c.SpectatorCount == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPendingContestSkipsReplay(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")

	conn := f.dial(t, "")
	join(t, conn, contest.ID)

	// Nothing to replay; the first delivery is the viewer count off the bus.
	ev := readEvent(t, conn)
	assert.Equal(t, events.SpectatorCount, ev.Type)
}

func TestRoomReceivesLiveEvents(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")

	conn := f.dial(t, "")
	join(t, conn, contest.ID)
	readEvent(t, conn) // spectator_count from the join

	live := events.New(events.BotTyping, contest.ID, events.BotTypingPayload{RoundIndex: 1, Position: types.SideCon})
	data, err := live.Encode()
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), bus.ContestChannel(contest.ID), data))

	ev := readEvent(t, conn)
	assert.Equal(t, events.BotTyping, ev.Type)
	assert.Equal(t, contest.ID, ev.DebateID)
}

// newSessionPair upgrades a loopback socket and hands back both ends:
// the server-side session under test and the client connection that
// observes its writes.
func newSessionPair(t *testing.T) (*session, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	connCh := make(chan *websocket.Conn, 1)
	engine := gin.New()
	engine.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- conn
	})
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-connCh
	t.Cleanup(func() { server.Close() })
	return &session{conn: server}, client
}

func TestCatchupHoldsLiveEventsUntilSnapshotDone(t *testing.T) {
	s, client := newSessionPair(t)

	s.beginCatchup()

	// A live event lands while the snapshot is still being written.
	live := events.New(events.BotTyping, "contest-1", events.BotTypingPayload{RoundIndex: 1, Position: types.SidePro})
	liveData, err := json.Marshal(live)
	require.NoError(t, err)
	require.NoError(t, s.deliver(liveData))

	s.noteReplayed(turnKey(0, types.SidePro, "opening"))
	s.sendEvent(events.New(events.BotMessage, "contest-1", events.BotMessagePayload{
		RoundIndex: 0, Position: types.SidePro, Content: "opening", Replayed: true,
	}))
	s.goLive()

	first := readEvent(t, client)
	assert.Equal(t, events.BotMessage, first.Type, "the snapshot lands before the live event")
	second := readEvent(t, client)
	assert.Equal(t, events.BotTyping, second.Type)

	// Once live, delivery is direct.
	require.NoError(t, s.deliver(liveData))
	assert.Equal(t, events.BotTyping, readEvent(t, client).Type)
}

func TestCatchupDropsTurnsTheSnapshotCarried(t *testing.T) {
	s, client := newSessionPair(t)

	s.beginCatchup()

	dup := events.New(events.BotMessage, "contest-1", events.BotMessagePayload{
		RoundIndex: 0, Position: types.SideCon, Content: "rebuttal",
	})
	dupData, err := json.Marshal(dup)
	require.NoError(t, err)
	require.NoError(t, s.deliver(dupData))

	fresh := events.New(events.BotMessage, "contest-1", events.BotMessagePayload{
		RoundIndex: 1, Position: types.SidePro, Content: "closing",
	})
	freshData, err := json.Marshal(fresh)
	require.NoError(t, err)
	require.NoError(t, s.deliver(freshData))

	// The snapshot already carried the round-0 rebuttal.
	s.noteReplayed(turnKey(0, types.SideCon, "rebuttal"))
	s.goLive()

	ev := readEvent(t, client)
	require.Equal(t, events.BotMessage, ev.Type)
	var payload events.BotMessagePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "closing", payload.Content, "the duplicated turn is delivered once")
}

func TestVoteRequiresJoinAndIdentity(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")

	conn := f.dial(t, "")

	vote := func(debateID string, roundIndex int, choice string) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type":        MsgSubmitVote,
			"debate_id":   debateID,
			"round_index": roundIndex,
			"choice":      choice,
		}))
	}

	vote(contest.ID, 0, "pro")
	assert.Equal(t, types.CodeWrongDebate, errorCode(t, readEvent(t, conn)), "voting before joining")

	join(t, conn, contest.ID)
	readEvent(t, conn) // spectator_count

	vote("some-other-debate", 0, "pro")
	assert.Equal(t, types.CodeWrongDebate, errorCode(t, readEvent(t, conn)))

	vote(contest.ID, 0, "pro")
	assert.Equal(t, types.CodeNotAuthenticated, errorCode(t, readEvent(t, conn)), "anonymous viewers cannot vote")

	assert.Empty(t, f.votes.recorded(), "rejected votes never reach the orchestrator")
}

func TestVoteValidationAndDelivery(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")

	token, err := f.auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	conn := f.dial(t, token)

	join(t, conn, contest.ID)
	readEvent(t, conn) // spectator_count

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":      MsgSubmitVote,
		"debate_id": contest.ID,
		"choice":    "pro",
	}))
	assert.Equal(t, types.CodeInvalidVote, errorCode(t, readEvent(t, conn)), "round_index is required")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":        MsgSubmitVote,
		"debate_id":   contest.ID,
		"round_index": 0,
		"choice":      "abstain",
	}))
	assert.Equal(t, types.CodeInvalidVote, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":        MsgSubmitVote,
		"debate_id":   contest.ID,
		"round_index": 2,
		"choice":      "con",
	}))
	ev := readEvent(t, conn)
	require.Equal(t, events.VoteAccepted, ev.Type)
	var accepted events.VoteAcceptedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &accepted))
	assert.Equal(t, 2, accepted.RoundIndex)
	assert.Equal(t, types.SideCon, accepted.Choice)

	calls := f.votes.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, voteCall{contest.ID, "user-1", 2, types.SideCon}, calls[0])
}

func TestVoteErrorMapping(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")

	token, err := f.auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	conn := f.dial(t, token)

	join(t, conn, contest.ID)
	readEvent(t, conn) // spectator_count

	vote := func() {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type":        MsgSubmitVote,
			"debate_id":   contest.ID,
			"round_index": 0,
			"choice":      "pro",
		}))
	}

	f.votes.setErr(database.ErrAlreadyVoted)
	vote()
	assert.Equal(t, types.CodeVoteFailed, errorCode(t, readEvent(t, conn)))

	f.votes.setErr(database.ErrNotFound)
	vote()
	assert.Equal(t, types.CodeInvalidDebateID, errorCode(t, readEvent(t, conn)))
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, types.CodeInvalidMessage, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "moonwalk"}))
	assert.Equal(t, types.CodeInvalidMessage, errorCode(t, readEvent(t, conn)))
}

func TestLeaveTearsDownEmptyRoom(t *testing.T) {
	f := newHubFixture(t)
	contest := seedContest(t, f.db, "classic")

	conn := f.dial(t, "")
	join(t, conn, contest.ID)
	readEvent(t, conn) // spectator_count

	assert.Eventually(t, func() bool { return f.hub.RoomCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MsgLeaveDebate, "debate_id": contest.ID}))

	assert.Eventually(t, func() bool { return f.hub.RoomCount() == 0 }, time.Second, 10*time.Millisecond)
}

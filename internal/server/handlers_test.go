package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debatearena_backend/internal/auth"
	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/matchmaker"
	"github.com/neo/debatearena_backend/internal/orchestrator"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/router"
	"github.com/neo/debatearena_backend/internal/spectator"
	"github.com/neo/debatearena_backend/internal/types"
)

type fixture struct {
	srv *Server
	db  *database.Database
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	localBus := bus.NewLocalBus()
	t.Cleanup(func() { localBus.Close() })

	presets := preset.NewRegistry()
	a := auth.New(auth.Config{JWTSecret: "server-test-secret"})
	agentRouter := router.NewRouter(db, localBus, "replica-test", 0)
	hub := spectator.NewHub(db, localBus, a, presets, "replica-test")
	mm := matchmaker.New(db, presets, agentRouter, matchmaker.DefaultConfig())
	orch := orchestrator.New(db, localBus, presets, agentRouter, orchestrator.DefaultConfig())

	srv := NewServer(db, a, agentRouter, hub, mm, orch, presets, Config{
		Port:      "0",
		JWTSecret: "server-test-secret",
		ReplicaID: "replica-test",
	})
	return &fixture{srv: srv, db: db}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.srv.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// registerUser creates an account through the API and returns its token
func registerUser(t *testing.T, f *fixture, username string) string {
	t.Helper()
	w := f.request(t, http.MethodPost, "/api/register", map[string]string{
		"username": username,
		"password": "hunter22",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	token, ok := decode(t, w)["token"].(string)
	require.True(t, ok)
	return token
}

func seedContest(t *testing.T, f *fixture) *database.Contest {
	t.Helper()

	topics, err := f.db.ListTopics()
	require.NoError(t, err)

	agents := make([]string, 2)
	for i := range agents {
		owner := &database.User{ID: uuid.New().String(), Username: "owner-" + uuid.New().String()}
		require.NoError(t, f.db.CreateUser(owner, "password"))
		a := &database.Agent{
			ID:              uuid.New().String(),
			OwnerID:         owner.ID,
			Name:            "bot",
			Rating:          1500,
			Active:          true,
			ConnectionToken: uuid.New().String() + uuid.New().String(),
		}
		require.NoError(t, f.db.CreateAgent(a))
		agents[i] = a.ID
	}

	contest := &database.Contest{
		ID:         uuid.New().String(),
		TopicID:    topics[0].ID,
		PresetID:   "classic",
		ProAgentID: agents[0],
		ConAgentID: agents[1],
	}
	require.NoError(t, f.db.CreateContest(contest))
	return contest
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "replica-test", body["replica_id"])
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/register", map[string]string{"username": "alice"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "password is required")

	registerUser(t, f, "alice")

	w = f.request(t, http.MethodPost, "/api/register", map[string]string{
		"username": "alice",
		"password": "other",
	}, "")
	assert.Equal(t, http.StatusConflict, w.Code, "usernames are unique")

	w = f.request(t, http.MethodPost, "/api/login", map[string]string{
		"username": "alice",
		"password": "hunter22",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["token"])

	w = f.request(t, http.MethodPost, "/api/login", map[string]string{
		"username": "alice",
		"password": "wrong",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAgent(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/agents", map[string]string{"name": "my-bot"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := registerUser(t, f, "alice")

	w = f.request(t, http.MethodPost, "/api/agents", map[string]string{}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code, "name is required")

	w = f.request(t, http.MethodPost, "/api/agents", map[string]string{"name": "my-bot"}, token)
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	connToken, ok := body["connection_token"].(string)
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), connToken)

	agent := body["agent"].(map[string]interface{})
	assert.Equal(t, "my-bot", agent["name"])
	assert.EqualValues(t, 1500, agent["rating"])
	assert.NotContains(t, agent, "connection_token", "the secret rides outside the agent object")
}

func TestPublicListings(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/api/topics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["topics"], "topics are seeded by migration")

	w = f.request(t, http.MethodGet, "/api/presets", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["presets"], 3)

	w = f.request(t, http.MethodGet, "/api/agents", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/queue/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["size"])

	w = f.request(t, http.MethodGet, "/api/debates", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetDebate(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/api/debates/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	contest := seedContest(t, f)
	require.NoError(t, f.db.StartContest(contest.ID))
	_, err := f.db.AppendTurn(&database.Turn{
		ContestID:  contest.ID,
		RoundIndex: 0,
		Position:   types.SidePro,
		AgentID:    contest.ProAgentID,
		Content:    "an argument",
	})
	require.NoError(t, err)

	w = f.request(t, http.MethodGet, "/api/debates/"+contest.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	debate := body["debate"].(map[string]interface{})
	assert.Equal(t, contest.ID, debate["id"])
	assert.Len(t, body["turns"], 1)
}

func TestCreateBet(t *testing.T) {
	f := newFixture(t)
	token := registerUser(t, f, "alice")
	contest := seedContest(t, f)

	bet := map[string]interface{}{"side": "pro", "amount": 50}

	w := f.request(t, http.MethodPost, "/api/debates/"+contest.ID+"/bets", bet, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodPost, "/api/debates/nope/bets", bet, token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.request(t, http.MethodPost, "/api/debates/"+contest.ID+"/bets",
		map[string]interface{}{"side": "sideways", "amount": 50}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/debates/"+contest.ID+"/bets", bet, token)
	require.Equal(t, http.StatusCreated, w.Code)
	placed := decode(t, w)["bet"].(map[string]interface{})
	assert.EqualValues(t, 50, placed["amount"])
	assert.Equal(t, "pro", placed["side"])

	// Once the contest ends the book is closed.
	require.NoError(t, f.db.StartContest(contest.ID))
	require.NoError(t, f.db.CompleteContest(contest.ID, types.SidePro))
	w = f.request(t, http.MethodPost, "/api/debates/"+contest.ID+"/bets", bet, token)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestForfeitOutsideActiveContest(t *testing.T) {
	f := newFixture(t)
	token := registerUser(t, f, "alice")
	contest := seedContest(t, f)

	w := f.request(t, http.MethodPost, "/api/debates/"+contest.ID+"/forfeit", nil, token)
	assert.Equal(t, http.StatusConflict, w.Code, "nothing is running on this replica")
}

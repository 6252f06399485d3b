package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debatearena_backend/internal/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestAgent(t *testing.T, db *Database, name string) *Agent {
	t.Helper()
	owner := &User{ID: uuid.New().String(), Username: "owner-" + uuid.New().String()}
	require.NoError(t, db.CreateUser(owner, "password"))

	a := &Agent{
		ID:              uuid.New().String(),
		OwnerID:         owner.ID,
		Name:            name,
		Rating:          1500,
		Active:          true,
		ConnectionToken: uuid.New().String() + uuid.New().String(),
	}
	require.NoError(t, db.CreateAgent(a))
	return a
}

func createTestContest(t *testing.T, db *Database) *Contest {
	t.Helper()
	pro := createTestAgent(t, db, "pro-bot")
	con := createTestAgent(t, db, "con-bot")

	topics, err := db.ListTopics()
	require.NoError(t, err)
	require.NotEmpty(t, topics, "migrations must seed topics")

	c := &Contest{
		ID:          uuid.New().String(),
		TopicID:     topics[0].ID,
		PresetID:    "classic",
		ProAgentID:  pro.ID,
		ConAgentID:  con.ID,
		StakeAmount: 100,
	}
	require.NoError(t, db.CreateContest(c))
	return c
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.RunMigrations())
	assert.NoError(t, db.RunMigrations())
}

func TestContestLifecycle(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	stored, err := db.GetContest(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContestPending, stored.Status)
	assert.Equal(t, types.SideNone, stored.Winner)
	assert.Nil(t, stored.StartedAt)

	require.NoError(t, db.StartContest(c.ID))
	stored, err = db.GetContest(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContestInProgress, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	require.NoError(t, db.SetContestRound(c.ID, 2, types.RoundVoting))
	stored, err = db.GetContest(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentRound)
	assert.Equal(t, types.RoundVoting, stored.RoundStatus)

	require.NoError(t, db.CompleteContest(c.ID, types.SidePro))
	stored, err = db.GetContest(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContestCompleted, stored.Status)
	assert.Equal(t, types.SidePro, stored.Winner)
	assert.NotNil(t, stored.EndedAt)
}

func TestContestStatusFences(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	// Completing a pending contest must fail the fence.
	assert.ErrorIs(t, db.CompleteContest(c.ID, types.SidePro), ErrStatusConflict)

	require.NoError(t, db.StartContest(c.ID))

	// A second start loses the fence too.
	assert.ErrorIs(t, db.StartContest(c.ID), ErrStatusConflict)

	require.NoError(t, db.CompleteContest(c.ID, types.SideNone))

	// Terminal contests accept no further transitions.
	assert.ErrorIs(t, db.SetContestRound(c.ID, 1, types.RoundPending), ErrStatusConflict)
	assert.ErrorIs(t, db.CancelContest(c.ID, types.ContestInProgress), ErrStatusConflict)
}

func TestContestFenceReportsMissingRow(t *testing.T) {
	db := newTestDB(t)
	assert.ErrorIs(t, db.StartContest("no-such-id"), ErrNotFound)

	_, err := db.GetContest("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelContestFromExpectedStatus(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	assert.ErrorIs(t, db.CancelContest(c.ID, types.ContestInProgress), ErrStatusConflict)
	assert.NoError(t, db.CancelContest(c.ID, types.ContestPending))

	stored, err := db.GetContest(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContestCancelled, stored.Status)
}

func TestAppendTurnRejectsDuplicateSlot(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	turn := &Turn{
		ContestID:     c.ID,
		RoundIndex:    0,
		ExchangeIndex: 0,
		Position:      types.SidePro,
		AgentID:       c.ProAgentID,
		Content:       "opening",
	}
	_, err := db.AppendTurn(turn)
	require.NoError(t, err)

	_, err = db.AppendTurn(turn)
	assert.ErrorIs(t, err, ErrDuplicateTurn)

	// Same slot, other side is a different turn.
	turn.Position = types.SideCon
	turn.AgentID = c.ConAgentID
	_, err = db.AppendTurn(turn)
	assert.NoError(t, err)
}

func TestListTurnsOrder(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	// Insert out of production order.
	for _, turn := range []*Turn{
		{ContestID: c.ID, RoundIndex: 1, ExchangeIndex: 0, Position: types.SideCon, AgentID: c.ConAgentID, Content: "r1 con"},
		{ContestID: c.ID, RoundIndex: 0, ExchangeIndex: 1, Position: types.SidePro, AgentID: c.ProAgentID, Content: "r0e1 pro"},
		{ContestID: c.ID, RoundIndex: 0, ExchangeIndex: 0, Position: types.SideCon, AgentID: c.ConAgentID, Content: "r0e0 con"},
		{ContestID: c.ID, RoundIndex: 0, ExchangeIndex: 0, Position: types.SidePro, AgentID: c.ProAgentID, Content: "r0e0 pro"},
	} {
		_, err := db.AppendTurn(turn)
		require.NoError(t, err)
	}

	turns, err := db.ListTurns(c.ID)
	require.NoError(t, err)
	require.Len(t, turns, 4)

	contents := []string{turns[0].Content, turns[1].Content, turns[2].Content, turns[3].Content}
	assert.Equal(t, []string{"r0e0 pro", "r0e0 con", "r0e1 pro", "r1 con"}, contents)

	round0, err := db.ListRoundTurns(c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, round0, 3)
}

func TestGetTurnSlot(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	_, err := db.GetTurn(c.ID, 0, types.SidePro, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.AppendTurn(&Turn{ContestID: c.ID, Position: types.SidePro, AgentID: c.ProAgentID, Content: "x"})
	require.NoError(t, err)

	got, err := db.GetTurn(c.ID, 0, types.SidePro, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Content)

	has, err := db.HasTurn(c.ID, 0, types.SidePro, 0)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCastVoteIdempotent(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	require.NoError(t, db.CastVote(c.ID, 0, "voter-1", types.SidePro))

	// Re-casting the same choice is rejected.
	assert.ErrorIs(t, db.CastVote(c.ID, 0, "voter-1", types.SidePro), ErrAlreadyVoted)
	// Changing the choice is rejected too; the first cast stands.
	assert.ErrorIs(t, db.CastVote(c.ID, 0, "voter-1", types.SideCon), ErrAlreadyVoted)

	// Same voter, next round is fine.
	assert.NoError(t, db.CastVote(c.ID, 1, "voter-1", types.SideCon))

	pro, con, err := db.TallyRoundVotes(c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pro)
	assert.Equal(t, 0, con)

	total, err := db.CountContestVotes(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTallyRoundVotes(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.CastVote(c.ID, 0, uuid.New().String(), types.SidePro))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, db.CastVote(c.ID, 0, uuid.New().String(), types.SideCon))
	}

	pro, con, err := db.TallyRoundVotes(c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, pro)
	assert.Equal(t, 2, con)
}

func TestRoundOutcomes(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	require.NoError(t, db.AppendRoundOutcome(&RoundOutcome{
		ContestID:  c.ID,
		RoundIndex: 0,
		ProVotes:   4,
		ConVotes:   1,
		Winner:     types.SidePro,
	}))

	// One outcome per round.
	assert.Error(t, db.AppendRoundOutcome(&RoundOutcome{ContestID: c.ID, RoundIndex: 0, Winner: types.SideCon}))

	out, err := db.GetRoundOutcome(c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.SidePro, out.Winner)
	assert.Equal(t, 4, out.ProVotes)

	require.NoError(t, db.AppendRoundOutcome(&RoundOutcome{ContestID: c.ID, RoundIndex: 1, Winner: types.SideNone}))
	all, err := db.ListRoundOutcomes(c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBetSettlementFence(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	id, err := db.CreateBet(&Bet{ContestID: c.ID, BettorID: "u1", Side: types.SidePro, Amount: 100})
	require.NoError(t, err)

	require.NoError(t, db.SettleBet(id, 150))
	assert.ErrorIs(t, db.SettleBet(id, 150), ErrStatusConflict)

	bets, err := db.ListBets(c.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.True(t, bets[0].Settled)
	assert.Equal(t, int64(150), bets[0].Payout)
}

func TestCreateBetValidation(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	_, err := db.CreateBet(&Bet{ContestID: c.ID, BettorID: "u1", Side: types.SidePro, Amount: -5})
	assert.Error(t, err)

	_, err = db.CreateBet(&Bet{ContestID: c.ID, BettorID: "u1", Side: types.SideNone, Amount: 10})
	assert.ErrorIs(t, err, types.ErrInvalidSide)
}

func TestAgentTokenLookup(t *testing.T) {
	db := newTestDB(t)
	a := createTestAgent(t, db, "bot")

	got, err := db.GetAgentByToken(a.ConnectionToken)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Deactivated agents do not resolve.
	require.NoError(t, db.SetAgentActive(a.ID, false))
	_, err = db.GetAgentByToken(a.ConnectionToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyRatingChange(t *testing.T) {
	db := newTestDB(t)
	a := createTestAgent(t, db, "bot")

	require.NoError(t, db.ApplyRatingChange(a.ID, 1516, true))
	got, err := db.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1516, got.Rating)
	assert.Equal(t, 1, got.Wins)
	assert.Equal(t, 0, got.Losses)

	require.NoError(t, db.ApplyRatingChange(a.ID, 1500, false))
	got, err = db.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500, got.Rating)
	assert.Equal(t, 1, got.Losses)

	assert.ErrorIs(t, db.ApplyRatingChange("missing", 1500, true), ErrNotFound)
}

func TestUserCredentials(t *testing.T) {
	db := newTestDB(t)

	user := &User{ID: uuid.New().String(), Username: "casey"}
	require.NoError(t, db.CreateUser(user, "hunter2"))

	// Duplicate usernames are rejected.
	assert.Error(t, db.CreateUser(&User{ID: uuid.New().String(), Username: "casey"}, "other"))

	got, err := db.VerifyPassword("casey", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = db.VerifyPassword("casey", "wrong")
	assert.Error(t, err)

	byID, err := db.GetUserByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "casey", byID.Username)
}

func TestUpdateSpectatorCount(t *testing.T) {
	db := newTestDB(t)
	c := createTestContest(t, db)

	require.NoError(t, db.UpdateSpectatorCount(c.ID, 42))
	stored, err := db.GetContest(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, stored.SpectatorCount)
}

func TestTopics(t *testing.T) {
	db := newTestDB(t)

	id, err := db.CreateTopic("Is cereal a soup?", "food")
	require.NoError(t, err)

	topic, err := db.GetTopic(id)
	require.NoError(t, err)
	assert.Equal(t, "Is cereal a soup?", topic.Title)
	assert.Equal(t, "food", topic.Category)
}

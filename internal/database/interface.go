package database

import (
	"github.com/neo/debatearena_backend/internal/types"
)

// Store defines the persistence gateway consumed by the orchestrator,
// router, spectator layer, and REST adapters. Every contest status
// mutation is fenced on the expected prior status.
type Store interface {
	Close() error

	// Users
	CreateUser(user *User, password string) error
	GetUserByID(id string) (*User, error)
	VerifyPassword(username, password string) (*User, error)

	// Agents
	CreateAgent(a *Agent) error
	GetAgent(id string) (*Agent, error)
	GetAgentByToken(token string) (*Agent, error)
	ListAgents() ([]*Agent, error)
	ApplyRatingChange(id string, newRating int, won bool) error
	SetAgentActive(id string, active bool) error

	// Topics
	GetTopic(id int64) (*Topic, error)
	ListTopics() ([]*Topic, error)
	CreateTopic(title, category string) (int64, error)

	// Contests
	CreateContest(c *Contest) error
	GetContest(id string) (*Contest, error)
	ListRecentContests(limit, offset int) ([]*Contest, error)
	ListUnfinishedContests() ([]*Contest, error)
	StartContest(id string) error
	SetContestRound(id string, roundIndex int, roundStatus types.RoundStatus) error
	CompleteContest(id string, winner types.Side) error
	CancelContest(id string, expected types.ContestStatus) error
	UpdateSpectatorCount(id string, count int) error

	// Turns
	AppendTurn(t *Turn) (int64, error)
	ListTurns(contestID string) ([]*Turn, error)
	ListRoundTurns(contestID string, roundIndex int) ([]*Turn, error)
	HasTurn(contestID string, roundIndex int, position types.Side, exchangeIndex int) (bool, error)
	GetTurn(contestID string, roundIndex int, position types.Side, exchangeIndex int) (*Turn, error)

	// Round outcomes
	AppendRoundOutcome(o *RoundOutcome) error
	GetRoundOutcome(contestID string, roundIndex int) (*RoundOutcome, error)
	ListRoundOutcomes(contestID string) ([]*RoundOutcome, error)

	// Votes
	CastVote(contestID string, roundIndex int, voterID string, choice types.Side) error
	TallyRoundVotes(contestID string, roundIndex int) (proVotes, conVotes int, err error)
	CountContestVotes(contestID string) (int, error)

	// Bets
	CreateBet(b *Bet) (int64, error)
	ListBets(contestID string) ([]*Bet, error)
	SettleBet(betID int64, payout int64) error

	// Migration runner
	RunMigrations() error
}

// Ensure Database implements Store
var _ Store = (*Database)(nil)

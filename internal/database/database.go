package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/neo/debatearena_backend/internal/types"
)

// Database is the narrow gateway to the durable store. It is the only
// write path for contest status, round outcomes, turns, and votes.
type Database struct {
	db *sql.DB
}

// Contest is the root entity of one debate
type Contest struct {
	ID             string              `json:"id"`
	TopicID        int64               `json:"topic_id"`
	PresetID       string              `json:"preset_id"`
	ProAgentID     string              `json:"pro_agent_id"`
	ConAgentID     string              `json:"con_agent_id"`
	Status         types.ContestStatus `json:"status"`
	CurrentRound   int                 `json:"current_round"`
	RoundStatus    types.RoundStatus   `json:"round_status"`
	Winner         types.Side          `json:"winner"`
	StakeAmount    int64               `json:"stake_amount"`
	SpectatorCount int                 `json:"spectator_count"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
}

// Turn is one produced message within a round
type Turn struct {
	ID            int64      `json:"id"`
	ContestID     string     `json:"contest_id"`
	RoundIndex    int        `json:"round_index"`
	ExchangeIndex int        `json:"exchange_index"`
	Position      types.Side `json:"position"`
	AgentID       string     `json:"agent_id"`
	Content       string     `json:"content"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RoundOutcome is the persisted tally of one finished round
type RoundOutcome struct {
	ID         int64      `json:"id"`
	ContestID  string     `json:"contest_id"`
	RoundIndex int        `json:"round_index"`
	ProVotes   int        `json:"pro_votes"`
	ConVotes   int        `json:"con_votes"`
	Winner     types.Side `json:"winner"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Vote is one accepted spectator vote
type Vote struct {
	ID         int64      `json:"id"`
	ContestID  string     `json:"contest_id"`
	RoundIndex int        `json:"round_index"`
	VoterID    string     `json:"voter_id"`
	Choice     types.Side `json:"choice"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Bet is one stake on a contest outcome
type Bet struct {
	ID        int64      `json:"id"`
	ContestID string     `json:"contest_id"`
	BettorID  string     `json:"bettor_id"`
	Side      types.Side `json:"side"`
	Amount    int64      `json:"amount"`
	Settled   bool       `json:"settled"`
	Payout    int64      `json:"payout"`
	CreatedAt time.Time  `json:"created_at"`
}

// Agent is a remote worker identity
type Agent struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	Rating          int       `json:"rating"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	Active          bool      `json:"active"`
	ConnectionToken string    `json:"-"` // High-entropy socket secret, never serialized
	CreatedAt       time.Time `json:"created_at"`
}

// Topic is a debate subject
type Topic struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
}

// New opens (or creates) the sqlite database under dataDir and applies
// pending migrations.
func New(dataDir string) (*Database, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "debatearena.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	d := &Database{db: db}
	if err := d.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %v", err)
	}

	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// RunMigrations applies any pending built-in migrations
func (d *Database) RunMigrations() error {
	manager := NewMigrationManager(d.db)
	if err := manager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %v", err)
	}
	return manager.Apply(builtinMigrations())
}

func scanNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

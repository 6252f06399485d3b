package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/neo/debatearena_backend/internal/logging"
)

// Migration is one schema step applied in id order
type Migration struct {
	ID   int
	Name string
	SQL  string
}

// MigrationRecord is the bookkeeping row for an applied migration
type MigrationRecord struct {
	ID        int
	Name      string
	AppliedAt time.Time
}

// MigrationManager applies built-in migrations exactly once each
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := m.db.Exec(query)
	return err
}

// GetAppliedMigrations returns the migrations already applied
func (m *MigrationManager) GetAppliedMigrations() ([]MigrationRecord, error) {
	rows, err := m.db.Query("SELECT id, name, applied_at FROM migrations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %v", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var record MigrationRecord
		if err := rows.Scan(&record.ID, &record.Name, &record.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %v", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Apply runs every migration not yet recorded, in id order, each inside
// its own transaction.
func (m *MigrationManager) Apply(migrations []Migration) error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	appliedIDs := make(map[int]bool, len(applied))
	for _, record := range applied {
		appliedIDs[record.ID] = true
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].ID < migrations[j].ID
	})

	for _, migration := range migrations {
		if appliedIDs[migration.ID] {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %v", migration.ID, err)
		}

		if _, err := tx.Exec(migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %v", migration.ID, migration.Name, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (id, name) VALUES (?, ?)", migration.ID, migration.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %v", migration.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %v", migration.ID, err)
		}

		logging.LogDatabaseEvent("migration_applied", map[string]interface{}{
			"id":   migration.ID,
			"name": migration.Name,
		})
	}
	return nil
}

// builtinMigrations is the ordered schema history. Migrations are
// in-code so every environment (including tests against a temp dir)
// reaches the same schema without external files.
func builtinMigrations() []Migration {
	return []Migration{
		{
			ID:   1,
			Name: "create_core_tables",
			SQL: `
			CREATE TABLE users (
				id TEXT PRIMARY KEY,
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE agents (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL REFERENCES users(id),
				name TEXT NOT NULL,
				rating INTEGER NOT NULL DEFAULT 1500,
				wins INTEGER NOT NULL DEFAULT 0,
				losses INTEGER NOT NULL DEFAULT 0,
				active INTEGER NOT NULL DEFAULT 1,
				connection_token TEXT NOT NULL UNIQUE,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE topics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				category TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE contests (
				id TEXT PRIMARY KEY,
				topic_id INTEGER NOT NULL REFERENCES topics(id),
				preset_id TEXT NOT NULL,
				pro_agent_id TEXT NOT NULL REFERENCES agents(id),
				con_agent_id TEXT NOT NULL REFERENCES agents(id),
				status TEXT NOT NULL DEFAULT 'pending',
				current_round INTEGER NOT NULL DEFAULT 0,
				round_status TEXT NOT NULL DEFAULT 'pending',
				winner TEXT NOT NULL DEFAULT 'none',
				stake_amount INTEGER NOT NULL DEFAULT 0,
				spectator_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at TIMESTAMP,
				ended_at TIMESTAMP
			);
			CREATE INDEX idx_contests_status ON contests(status);

			CREATE TABLE turns (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				contest_id TEXT NOT NULL REFERENCES contests(id),
				round_index INTEGER NOT NULL,
				exchange_index INTEGER NOT NULL,
				position TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(contest_id, round_index, position, exchange_index)
			);

			CREATE TABLE round_outcomes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				contest_id TEXT NOT NULL REFERENCES contests(id),
				round_index INTEGER NOT NULL,
				pro_votes INTEGER NOT NULL,
				con_votes INTEGER NOT NULL,
				winner TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(contest_id, round_index)
			);

			CREATE TABLE votes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				contest_id TEXT NOT NULL REFERENCES contests(id),
				round_index INTEGER NOT NULL,
				voter_id TEXT NOT NULL,
				choice TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(contest_id, round_index, voter_id)
			);

			CREATE TABLE bets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				contest_id TEXT NOT NULL REFERENCES contests(id),
				bettor_id TEXT NOT NULL,
				side TEXT NOT NULL,
				amount INTEGER NOT NULL,
				settled INTEGER NOT NULL DEFAULT 0,
				payout INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX idx_bets_contest ON bets(contest_id);
			`,
		},
		{
			ID:   2,
			Name: "seed_topics",
			SQL: `
			INSERT INTO topics (title, category) VALUES
				('Should AI systems be allowed to vote?', 'technology'),
				('Is remote work better than office work?', 'society'),
				('Are memecoins net negative for the crypto space?', 'crypto'),
				('Should space exploration be privatized?', 'science'),
				('Is open source software more secure than proprietary?', 'technology');
			`,
		},
	}
}

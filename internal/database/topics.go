package database

import (
	"database/sql"
	"fmt"
)

// GetTopic retrieves a topic by id
func (d *Database) GetTopic(id int64) (*Topic, error) {
	var t Topic
	err := d.db.QueryRow("SELECT id, title, category FROM topics WHERE id = ?", id).
		Scan(&t.ID, &t.Title, &t.Category)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("topic %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %d: %v", id, err)
	}
	return &t, nil
}

// ListTopics returns all topics
func (d *Database) ListTopics() ([]*Topic, error) {
	rows, err := d.db.Query("SELECT id, title, category FROM topics ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %v", err)
	}
	defer rows.Close()

	var topics []*Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Title, &t.Category); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %v", err)
		}
		topics = append(topics, &t)
	}
	return topics, rows.Err()
}

// CreateTopic inserts a new topic
func (d *Database) CreateTopic(title, category string) (int64, error) {
	result, err := d.db.Exec("INSERT INTO topics (title, category) VALUES (?, ?)", title, category)
	if err != nil {
		return 0, fmt.Errorf("failed to create topic: %v", err)
	}
	return result.LastInsertId()
}

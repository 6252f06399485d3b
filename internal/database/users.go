package database

import (
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User owns agents and may vote as a spectator
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser inserts a user with a bcrypt-hashed password
func (d *Database) CreateUser(user *User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}

	_, err = d.db.Exec(
		"INSERT INTO users (id, username, password_hash) VALUES (?, ?, ?)",
		user.ID, user.Username, string(hash),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %v", err)
	}
	return nil
}

// GetUserByID retrieves a user by id
func (d *Database) GetUserByID(id string) (*User, error) {
	var user User
	err := d.db.QueryRow("SELECT id, username, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %v", id, err)
	}
	return &user, nil
}

// VerifyPassword checks credentials and returns the user on success
func (d *Database) VerifyPassword(username, password string) (*User, error) {
	var user User
	var hash string
	err := d.db.QueryRow("SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &hash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %v", username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials for %s", username)
	}
	return &user, nil
}

package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RoomRecord is a room's persisted metadata row.
type RoomRecord struct {
	ID           string
	Name         string
	PasswordHash string
	Filename     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ActiveUsers  int
}

// MetadataStore is the room/user metadata adapter: two tables (rooms,
// users) behind database/sql, with sqlite as the driver for the
// file-backed database_url this project defaults to.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore opens databaseURL (a sqlite DSN, e.g. a file path) and
// ensures the schema exists.
func NewMetadataStore(databaseURL string) (*MetadataStore, error) {
	db, err := sql.Open("sqlite3", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	s := &MetadataStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MetadataStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id CHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			filename VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			active_users INTEGER DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("storage: create rooms table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id CHAR(36) PRIMARY KEY,
			room_id CHAR(36) NOT NULL,
			site_id INTEGER NOT NULL,
			connected_at DATETIME NOT NULL,
			FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
		)`)
	if err != nil {
		return fmt.Errorf("storage: create users table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *MetadataStore) Close() error { return s.db.Close() }

// CreateRoom inserts a new room row. At-least-once durability: callers
// may retry on transient error, and a retried insert with the same id
// fails on the primary key rather than silently duplicating.
func (s *MetadataStore) CreateRoom(id, name, passwordHash, filename string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO rooms (id, name, password_hash, filename, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, passwordHash, filename, now, now,
	)
	if err != nil {
		return fmt.Errorf("storage: create room %s: %w", id, err)
	}
	return nil
}

// GetRoom fetches a room's metadata row, ok=false if not found.
func (s *MetadataStore) GetRoom(id string) (RoomRecord, bool, error) {
	var r RoomRecord
	err := s.db.QueryRow(
		`SELECT id, name, password_hash, filename, created_at, updated_at, active_users FROM rooms WHERE id = ?`,
		id,
	).Scan(&r.ID, &r.Name, &r.PasswordHash, &r.Filename, &r.CreatedAt, &r.UpdatedAt, &r.ActiveUsers)
	if err == sql.ErrNoRows {
		return RoomRecord{}, false, nil
	}
	if err != nil {
		return RoomRecord{}, false, fmt.Errorf("storage: get room %s: %w", id, err)
	}
	return r, true, nil
}

// DeleteRoom removes a room row (and, via ON DELETE CASCADE, its users).
func (s *MetadataStore) DeleteRoom(id string) error {
	if _, err := s.db.Exec(`DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete room %s: %w", id, err)
	}
	return nil
}

// TouchRoom refreshes a room's updated_at timestamp, e.g. on checkpoint.
func (s *MetadataStore) TouchRoom(id string) error {
	_, err := s.db.Exec(`UPDATE rooms SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: touch room %s: %w", id, err)
	}
	return nil
}

// AddUser records a connected client's site assignment. Idempotent:
// re-adding the same user id overwrites its row rather than erroring.
func (s *MetadataStore) AddUser(userID, roomID string, siteID uint32) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO users (id, room_id, site_id, connected_at) VALUES (?, ?, ?, ?)`,
		userID, roomID, siteID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: add user %s: %w", userID, err)
	}
	return nil
}

// RemoveUser deletes a connected client's row. Idempotent: removing an
// unknown user id is not an error.
func (s *MetadataStore) RemoveUser(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("storage: remove user %s: %w", userID, err)
	}
	return nil
}

// ActiveUsers counts the users currently recorded against roomID.
func (s *MetadataStore) ActiveUsers(roomID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count active users for room %s: %w", roomID, err)
	}
	return n, nil
}

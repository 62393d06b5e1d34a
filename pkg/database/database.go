package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no user record exists for the username.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
)

// User is a stored user record joined with its color.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	ColorR       uint8
	ColorG       uint8
	ColorB       uint8
}

// MessageRecord is a persisted text message joined with its author.
type MessageRecord struct {
	ID        int64
	UserID    int64
	Username  string
	ColorR    uint8
	ColorG    uint8
	ColorB    uint8
	Text      string
	CreatedAt time.Time
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

const schema = `
CREATE TABLE IF NOT EXISTS colors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	r  INTEGER NOT NULL CHECK (r BETWEEN 0 AND 255),
	g  INTEGER NOT NULL CHECK (g BETWEEN 0 AND 255),
	b  INTEGER NOT NULL CHECK (b BETWEEN 0 AND 255)
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	color_id      INTEGER REFERENCES colors(id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
`

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow multiple readers in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection: exactly 1 connection, no pooling. Every
	// write in the process serializes through it, so inserts never
	// interleave at the storage layer.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	if _, err := writeConn.Exec(schema); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func applyPragmas(conn *sql.DB) error {
	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	// SQLite has foreign keys disabled by default
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	return nil
}

// Close closes both connections
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	rerr := db.conn.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// CreateUser inserts a color row and a user row in one transaction. The
// password must already be hashed by the caller; plaintext never reaches
// this layer.
func (db *DB) CreateUser(username, passwordHash string, r, g, b uint8) (*User, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO colors (r, g, b) VALUES (?, ?, ?)", r, g, b)
	if err != nil {
		return nil, fmt.Errorf("failed to insert color: %w", err)
	}
	colorID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	res, err = tx.Exec(
		"INSERT INTO users (username, password_hash, color_id) VALUES (?, ?, ?)",
		username, passwordHash, colorID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}

	return &User{
		ID:           userID,
		Username:     username,
		PasswordHash: passwordHash,
		ColorR:       r,
		ColorG:       g,
		ColorB:       b,
	}, nil
}

// GetUserByUsername returns the user record joined with its color
func (db *DB) GetUserByUsername(username string) (*User, error) {
	row := db.conn.QueryRow(`
		SELECT u.id, u.username, u.password_hash,
		       COALESCE(c.r, 255), COALESCE(c.g, 255), COALESCE(c.b, 255)
		FROM users u
		LEFT JOIN colors c ON c.id = u.color_id
		WHERE u.username = ?`, username)

	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.ColorR, &u.ColorG, &u.ColorB); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// InsertMessage persists one text message
func (db *DB) InsertMessage(userID int64, text string, createdAt time.Time) error {
	_, err := db.writeConn.Exec(
		"INSERT INTO messages (user_id, text, created_at) VALUES (?, ?, ?)",
		userID, text, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent limit messages, oldest first
func (db *DB) RecentMessages(limit int) ([]MessageRecord, error) {
	rows, err := db.conn.Query(`
		SELECT m.id, m.user_id, u.username,
		       COALESCE(c.r, 255), COALESCE(c.g, 255), COALESCE(c.b, 255),
		       m.text, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN colors c ON c.id = u.color_id
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var createdMs int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Username,
			&rec.ColorR, &rec.ColorG, &rec.ColorB, &rec.Text, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers want oldest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

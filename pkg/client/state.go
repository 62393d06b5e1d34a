package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State is the client's local preference store: the last server and account
// used, so the next launch can reconnect without prompting. It lives in a
// small SQLite database under the user's home directory.
type State struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS prefs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS servers (
	address      TEXT PRIMARY KEY,
	last_used_at INTEGER NOT NULL
);
`

// OpenState opens or creates the local state database
func OpenState(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) getPref(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM prefs WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *State) setPref(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO prefs (key, value) VALUES (?, ?)", key, value)
	return err
}

// LastUsername returns the account name used on the previous session, or ""
func (s *State) LastUsername() string {
	username, _ := s.getPref("last_username")
	return username
}

// SetLastUsername remembers the account name for the next session
func (s *State) SetLastUsername(username string) error {
	return s.setPref("last_username", username)
}

// LastServer returns the most recently used server address, or ""
func (s *State) LastServer() (string, error) {
	var address string
	err := s.db.QueryRow(`
		SELECT address FROM servers
		ORDER BY last_used_at DESC
		LIMIT 1`).Scan(&address)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return address, err
}

// RecordServer marks a server address as used now. Nanosecond stamps keep
// recency ordering stable even for back-to-back connects.
func (s *State) RecordServer(address string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO servers (address, last_used_at) VALUES (?, ?)`,
		address, time.Now().UnixNano())
	return err
}

// KnownServers lists every server ever connected to, most recent first
func (s *State) KnownServers() ([]string, error) {
	rows, err := s.db.Query("SELECT address FROM servers ORDER BY last_used_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

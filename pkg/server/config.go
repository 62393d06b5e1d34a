package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
)

// OverflowPolicy selects what happens when a session's outbound queue is full
type OverflowPolicy int

const (
	// OverflowDropOldest discards the oldest undelivered frame for that
	// session to make room. Slow readers stay connected but may miss
	// messages.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowDisconnect sends UNRECOVERABLE_ERROR and drops the session.
	OverflowDisconnect
)

// Config holds resolved server configuration
type Config struct {
	TCPPort           int
	HTTPPort          int // 0 = disabled; serves /ws and /metrics
	DatabasePath      string
	HistoryLimit      int
	OutboundQueueSize int
	PersistQueueSize  int
	OverflowPolicy    OverflowPolicy
	BcryptCost        int
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		TCPPort:           11111,
		HTTPPort:          8080,
		DatabasePath:      "~/.relay/relay.db",
		HistoryLimit:      20,
		OutboundQueueSize: 64,
		PersistQueueSize:  64,
		OverflowPolicy:    OverflowDropOldest,
		BcryptCost:        bcrypt.DefaultCost,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	HistoryLimit      int    `toml:"history_limit"`
	OutboundQueueSize int    `toml:"outbound_queue_size"`
	PersistQueueSize  int    `toml:"persist_queue_size"`
	OverflowPolicy    string `toml:"overflow_policy"` // "drop-oldest" or "disconnect"
	BcryptCost        int    `toml:"bcrypt_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      11111,
			HTTPPort:     8080,
			DatabasePath: "~/.relay/relay.db",
		},
		Limits: LimitsSection{
			HistoryLimit:      20,
			OutboundQueueSize: 64,
			PersistQueueSize:  64,
			OverflowPolicy:    "drop-oldest",
			BcryptCost:        bcrypt.DefaultCost,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates the default file
// if it does not exist, and applies environment variable overrides
// (RELAY_TCP_PORT, RELAY_HTTP_PORT, RELAY_DB_PATH).
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = "~/.relay/config.toml"
	}
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	tomlCfg := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path, tomlCfg); err != nil {
			return Config{}, err
		}
	} else {
		if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Environment overrides
	if v := os.Getenv("RELAY_TCP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RELAY_TCP_PORT %q: %w", v, err)
		}
		tomlCfg.Server.TCPPort = port
	}
	if v := os.Getenv("RELAY_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RELAY_HTTP_PORT %q: %w", v, err)
		}
		tomlCfg.Server.HTTPPort = port
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		tomlCfg.Server.DatabasePath = v
	}

	return tomlCfg.Resolve()
}

// Resolve validates the TOML config and converts it to a Config
func (tc TOMLConfig) Resolve() (Config, error) {
	cfg := Config{
		TCPPort:           tc.Server.TCPPort,
		HTTPPort:          tc.Server.HTTPPort,
		DatabasePath:      tc.Server.DatabasePath,
		HistoryLimit:      tc.Limits.HistoryLimit,
		OutboundQueueSize: tc.Limits.OutboundQueueSize,
		PersistQueueSize:  tc.Limits.PersistQueueSize,
		BcryptCost:        tc.Limits.BcryptCost,
	}

	switch tc.Limits.OverflowPolicy {
	case "", "drop-oldest":
		cfg.OverflowPolicy = OverflowDropOldest
	case "disconnect":
		cfg.OverflowPolicy = OverflowDisconnect
	default:
		return Config{}, fmt.Errorf("invalid overflow_policy %q (want drop-oldest or disconnect)", tc.Limits.OverflowPolicy)
	}

	if cfg.TCPPort < 0 || cfg.TCPPort > 65535 {
		return Config{}, fmt.Errorf("invalid tcp_port %d", cfg.TCPPort)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = 64
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	var err error
	cfg.DatabasePath, err = expandHome(cfg.DatabasePath)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func writeDefaultConfig(path string, cfg TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

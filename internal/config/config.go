// Package config resolves the broker's runtime configuration: the state
// directory and default client identity, read from environment variables
// with a per-user default.
package config

import (
	"os"
	"path/filepath"
)

// Config holds the resolved environment for one broker process.
type Config struct {
	// StateDir is the directory holding board.db and its WAL sidecars.
	StateDir string
	// ClientID is the default agent identity for wrapper processes that
	// don't supply one explicitly.
	ClientID string
}

// Load resolves Config from the environment, applying the documented
// defaults: MESSAGE_BOARD_DIR overrides the state directory (default
// ~/.config/broker), MESSAGE_CLIENT_ID overrides the default client
// identity (default empty, requiring callers to supply one explicitly).
func Load() (Config, error) {
	stateDir := os.Getenv("MESSAGE_BOARD_DIR")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, err
		}
		stateDir = filepath.Join(home, ".config", "broker")
	}

	return Config{
		StateDir: stateDir,
		ClientID: os.Getenv("MESSAGE_CLIENT_ID"),
	}, nil
}

// DBPath is the path to the single embedded database file within StateDir.
func (c Config) DBPath() string {
	return filepath.Join(c.StateDir, "board.db")
}

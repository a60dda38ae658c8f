package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesMessageBoardDirOverride(t *testing.T) {
	t.Setenv("MESSAGE_BOARD_DIR", "/tmp/custom-broker-dir")
	t.Setenv("MESSAGE_CLIENT_ID", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-broker-dir", cfg.StateDir)
	require.Equal(t, "/tmp/custom-broker-dir/board.db", cfg.DBPath())
}

func TestLoadAppliesMessageClientIDOverride(t *testing.T) {
	t.Setenv("MESSAGE_BOARD_DIR", "/tmp/custom-broker-dir")
	t.Setenv("MESSAGE_CLIENT_ID", "worker-1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "worker-1", cfg.ClientID)
}

func TestLoadDefaultsStateDirUnderHome(t *testing.T) {
	t.Setenv("MESSAGE_BOARD_DIR", "")
	t.Setenv("MESSAGE_CLIENT_ID", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Contains(t, cfg.StateDir, ".config/broker")
}

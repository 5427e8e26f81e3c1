package main

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/config"
	"trackline/internal/domain"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	setupOnce.Do(func() {
		initConfig()
		addPersistentFlags()
		registerCommands()
	})
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestConfigInitThenStatusLifecycle(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, run(t, "--workspace", ws, "config", "init", "--service-id", "audit"))
	_, err := os.Stat(config.Path(ws))
	require.NoError(t, err)
	assert.Error(t, run(t, "--workspace", ws, "config", "init"))
	require.NoError(t, run(t, "--workspace", ws, "config", "validate"))

	require.NoError(t, run(t, "--workspace", ws, "--log-level", "error", "status", "create",
		"--action-id", "a1", "--asset-id", "s1", "--control-id", "c1", "--family-id", "f1", "--status", "Open"))
	require.NoError(t, run(t, "--workspace", ws, "--log-level", "error", "status", "list", "--asset-id", "s1"))
	require.NoError(t, run(t, "--workspace", ws, "--log-level", "error", "risk", "overall"))
	assert.Error(t, run(t, "--workspace", ws, "--log-level", "error", "status", "list", "--asset-id", "missing"))
}

func TestParsePermissions(t *testing.T) {
	p, err := parsePermissions([]string{"view", "confirm-evidence"})
	require.NoError(t, err)
	assert.Equal(t, domain.Permissions{View: true, ConfirmEvidence: true}, p)

	_, err = parsePermissions([]string{"fly"})
	assert.Error(t, err)
}

func TestFormatChangesIsSorted(t *testing.T) {
	got := formatChanges(domain.Changes{"status": "Closed", "isCompleted": true, "feedback": nil})
	assert.Equal(t, "feedback=<nil>, isCompleted=true, status=Closed", got)
}

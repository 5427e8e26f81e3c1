package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackline/internal/config"
	"trackline/internal/migrate"
)

func TestOpenWithoutConfigUsesDefaultsAndSeeds(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.DefaultAuditorID, a.Config.Actors.DefaultAuditorID)
	v, err := migrate.Version(ctx, a.DB)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	u, err := a.Engine.GetUser(ctx, config.DefaultAuditorID)
	require.NoError(t, err)
	assert.Equal(t, "Auditor", u.Role)
	_, err = a.Engine.GetUser(ctx, config.DefaultExternalAuditorID)
	require.NoError(t, err)
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	for i := 0; i < 2; i++ {
		a, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop()})
		require.NoError(t, err)
		users, err := a.Engine.ListUsers(ctx, "")
		require.NoError(t, err)
		assert.Len(t, users, 2)
		require.NoError(t, a.Close())
	}
}

func TestOpenReadsExplicitConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte(config.GenerateDefault("audit-prod")), 0o644))

	a, err := Open(context.Background(), Options{Workspace: dir, ConfigPath: path, LogLevel: "debug", Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "audit-prod", a.Config.Service.ID)
	assert.Equal(t, "debug", a.Config.Log.Level)
	assert.NotEqual(t, config.DefaultAuditorID, a.Config.Actors.DefaultAuditorID)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("service: {id: \"\"}\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir, Logger: zap.NewNop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service.id")
}

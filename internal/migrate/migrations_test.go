package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/db"
	"trackline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, migrate.MigrateContext(ctx, conn))
	require.NoError(t, migrate.MigrateContext(ctx, conn))

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	for _, table := range []string{"users", "api_keys", "completion_statuses", "status_history"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
	_, err = conn.ExecContext(ctx, `SELECT last_used_at FROM api_keys`)
	require.NoError(t, err)
}

func TestCompositeKeyUniqueWithNullScope(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.MigrateContext(ctx, conn))

	insert := `INSERT INTO completion_statuses(id,action_id,asset_id,scope_id,control_id,family_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`
	_, err = conn.ExecContext(ctx, insert, "one", "a1", "s1", nil, "c1", "f1", "t", "t")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, insert, "two", "a1", "s1", nil, "c1", "f1", "t", "t")
	require.Error(t, err)
	_, err = conn.ExecContext(ctx, insert, "three", "a1", "s1", "sc1", "c1", "f1", "t", "t")
	require.NoError(t, err)
}

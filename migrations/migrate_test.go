package migrations

import (
	"io"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationFiles, "sql")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS id_pool")
	assert.Contains(t, string(body), "ux_id_txn_id_status")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	_ = down.Close()
}

func TestRun_BadURL(t *testing.T) {
	err := Run("notaurl://")
	assert.Error(t, err)
}

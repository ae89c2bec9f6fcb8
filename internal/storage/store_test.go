package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsentry/internal/config"
)

func TestMigrationFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_indexes.sql", "README.md", "0001_init.sql"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0003_dir.sql"), 0o755))

	files, err := migrationFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "0001_init.sql"),
		filepath.Join(dir, "0002_indexes.sql"),
	}, files)
}

func TestMigrationFilesMissingDirectory(t *testing.T) {
	files, err := migrationFiles(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = migrationFiles("")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	assert.ErrorContains(t, err, "database.dsn")

	_, err = Open(context.Background(), config.DatabaseConfig{DSN: "host=localhost port=notanumber"}, nil)
	assert.ErrorContains(t, err, "parse database dsn")
}

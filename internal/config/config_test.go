package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(filepath.Join(t.TempDir(), "absent.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.False(t, cfg.AutoMigrate)
}

func TestLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "treeleaf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9000\"\ndbUrl: file.db\nautoMigrate: true\nlogLevel: debug\ntxTimeout: 5s\n"), 0o644))

	t.Setenv("TREELEAF_DB_URL", "postgres://env/db")
	t.Setenv("TREELEAF_LOG_MAX_BACKUPS", "7")

	cfg, err := LoadWithPath(path, []string{"-port", "9100", "-seed", "fixtures"})
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)              // флаг
	assert.Equal(t, "postgres://env/db", cfg.DBURL) // ENV поверх файла
	assert.True(t, cfg.AutoMigrate)                 // файл
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.LogMaxBackups)
	assert.Equal(t, "fixtures", cfg.SeedPath)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
}

func TestJSONAndConfigFlag(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(other, []byte(`{"port":"7000","ginMode":"debug"}`), 0o644))

	cfg, err := LoadWithPath(filepath.Join(dir, "config.json"), []string{"-config", other})
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "debug", cfg.GinMode)
}

func TestInvalid(t *testing.T) {
	_, err := LoadWithPath(filepath.Join(t.TempDir(), "none.json"), []string{"-tx-timeout", "soon"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":`), 0o644))
	_, err = LoadWithPath(path, nil)
	assert.Error(t, err)
}

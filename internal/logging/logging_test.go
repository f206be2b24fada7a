package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New().FromBuffer(&buf).Level("warn").Make()
	require.NoError(t, err)

	l.Logger.Info().Msg("hidden")
	l.Logger.Warn().Str("id", "n-1").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"id":"n-1"`)
	assert.Contains(t, buf.String(), `"time"`)
	assert.NoError(t, l.Close())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeleaf.log")
	l, err := New().FromPath(path).Rotate(1, 1).Make()
	require.NoError(t, err)
	l.Logger.Info().Msg("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

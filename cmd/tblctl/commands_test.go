package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = "../../fixtures/quote.yaml"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "tblctl", root.Use)
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, n := range []string{"check", "plan", "execute", "copy", "seed"} {
		assert.True(t, names[n], n)
	}
	for _, f := range []string{"db", "config", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(f), f)
	}
}

func TestSeedExecuteCheck(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tbl.db")
	base := []string{"--db", db, "--auto-migrate"}

	out, err := run(t, append(base, "seed", fixture)...)
	require.NoError(t, err)
	assert.Equal(t, "quote\n", out)

	out, err = run(t, append(base, "plan", "lines")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"newId": "line-1"`)

	out, err = run(t, append(base, "execute", "lines", "--suffix", "3")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"line": "line-3"`)

	// qty-3 уже есть в экземпляре line-3
	out, err = run(t, append(base, "copy", "qty")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"new": "qty-4"`)

	out, err = run(t, append(base, "check", "quote")...)
	require.NoError(t, err)
	assert.Contains(t, out, "0 issue(s)")
}

func TestInMemoryWithSeedFlag(t *testing.T) {
	out, err := run(t, "--seed", fixture, "execute", "lines")
	require.NoError(t, err)
	assert.Contains(t, out, `"suffix": 1`)

	_, err = run(t, "--seed", fixture, "check", "missing")
	assert.Error(t, err)

	_, err = run(t, "plan")
	assert.Error(t, err)
}

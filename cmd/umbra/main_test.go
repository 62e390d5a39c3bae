package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "umbra.db")
	cfg.Log.Level = "disabled"
	path := filepath.Join(dir, "umbra.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "umbra.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, _, err := config.LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Synthesis, cfg.Synthesis)

	_, err = execute(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	out, err := execute(t, "-c", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "driver: sqlite")
	assert.Contains(t, out, "umbra.db")
}

func TestListCommandsOnEmptyStore(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	out, err := execute(t, "-c", path, "reports", "--format", "yaml")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)

	out, err = execute(t, "-c", path, "signatures")
	require.NoError(t, err)
	assert.Contains(t, out, "{")

	_, err = execute(t, "-c", path, "reports", "missing")
	assert.Error(t, err)
}

func TestReadFragments(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"fragments":[
		{"id":"f1","domain":"shop1.com","timestamp":"2026-03-14T01:00:00Z","friction":0.4,"latency":120,"trackers":["t.net"],"protocol_signature":"h2"},
		{"id":"f2","domain":"shop2.com","timestamp":"2026-03-14T01:00:00Z","friction":0.4,"latency":120,"trackers":["t.net"],"protocol_signature":"h2"}
	]}`), 0o644))

	frags, err := readFragments(good)
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "shop2.com", frags[1].Domain)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("reports: []\n"), 0o644))
	_, err = readFragments(empty)
	assert.ErrorContains(t, err, "no fragments")

	_, err = readFragments(filepath.Join(dir, "batch.csv"))
	assert.ErrorContains(t, err, "unsupported format")
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/cp"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.toml")
	contents := `
StorePath = "/var/lib/vatkernel"
AdminListen = "0.0.0.0:9000"

[DefaultWorker]
Command = ["vat-worker", "--socket", "unix"]
MemoryBudget = 134217728
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/vatkernel", cfg.StorePath)
	require.Equal(t, "0.0.0.0:9000", cfg.AdminListen)
	require.Equal(t, []string{"vat-worker", "--socket", "unix"}, cfg.DefaultWorker.Command)
	require.Equal(t, uint64(134217728), cfg.DefaultWorker.MemoryBudget)
}

func TestDefaultHasSaneFallbacks(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.StorePath)
	require.NotEmpty(t, cfg.AdminListen)
}

// TestLoadFixtureConfig copies a checked-in fixture tree into a scratch
// directory before loading it, the same "copy testdata out of the repo
// before mutating it" discipline the teacher's account-manager CLI test
// uses for its keystore fixtures.
func TestLoadFixtureConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, cp.CopyAll(dir, filepath.Join("testdata", "fixture")))

	cfg, err := Load(filepath.Join(dir, "kernel.toml"))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/vatkernel", cfg.StorePath)
	require.Equal(t, []string{"vat-worker", "--socket", "unix"}, cfg.DefaultWorker.Command)
}

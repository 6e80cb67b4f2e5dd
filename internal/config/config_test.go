package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, ".archived_scripts", cfg.Archive.DirName)
	assert.Equal(t, 2, cfg.Policy.Thresholds.LikelyObsolete)
	assert.Equal(t, 4, cfg.Policy.Thresholds.DefinitelyObsolete)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Run.Workers, cfg.Run.Workers)
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)

	cfg := DefaultConfig()
	cfg.Policy.Version = 2
	cfg.Policy.Thresholds.LikelyObsolete = 3
	cfg.Policy.Thresholds.DefinitelyObsolete = 6
	cfg.Scan.DeprecatedAPIs = []string{"supabase.auth.api"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Policy, loaded.Policy)
	assert.Equal(t, []string{"supabase.auth.api"}, loaded.Scan.DeprecatedAPIs)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  thresholds:\n    definitely_obsolete: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Policy.Thresholds.DefinitelyObsolete)
	assert.Equal(t, 2, cfg.Policy.Thresholds.LikelyObsolete)
	assert.Equal(t, 2, cfg.Policy.Weights.DeprecatedAPI)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("policy: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SCRIPTREG_ROOT", "/repo")
	t.Setenv("SCRIPTREG_DB_DRIVER", "pgx")
	t.Setenv("SCRIPTREG_DB_DSN", "postgres://localhost/scriptreg")
	t.Setenv("SCRIPTREG_ARCHIVE_BACKEND", "s3")
	t.Setenv("SCRIPTREG_S3_BUCKET", "attic")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/repo", cfg.Root)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/scriptreg", cfg.DatabaseDSN())
	assert.Equal(t, "s3", cfg.Archive.Backend)
	assert.Equal(t, "attic", cfg.Archive.S3.Bucket)
}

func TestConfig_DatabaseDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = "/repo"
	assert.Equal(t, filepath.Join("/repo", ".scriptreg", "registry.db"), cfg.DatabaseDSN())

	cfg.Database.DSN = "/var/lib/registry.db"
	assert.Equal(t, "/var/lib/registry.db", cfg.DatabaseDSN())
}

func TestConfig_Durations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.GetArtifactTimeout())

	cfg.Run.ArtifactTimeout = "garbage"
	assert.Equal(t, 10*time.Second, cfg.GetArtifactTimeout())
	assert.Error(t, cfg.Validate())

	cfg.Run.ArtifactTimeout = "250ms"
	assert.Equal(t, 250*time.Millisecond, cfg.GetArtifactTimeout())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"no workers", func(c *Config) { c.Run.Workers = 0 }},
		{"nested archive dir", func(c *Config) { c.Archive.DirName = "a/b" }},
		{"s3 without bucket", func(c *Config) { c.Archive.Backend = "s3"; c.Archive.S3.Endpoint = "localhost:9000" }},
		{"bad policy", func(c *Config) { c.Policy.Thresholds.LikelyObsolete = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

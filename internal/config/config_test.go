package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaflow/schemaflow/internal/normalize"
	"github.com/schemaflow/schemaflow/internal/schema"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.DataDir, "storage"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "packages"), cfg.Normalize.PackageDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "catalog.db"), cfg.Catalog.DSN)
}

func TestResolveKeepsExplicitPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = "/srv/objects"
	cfg.Catalog.Driver = "none"
	cfg.Resolve()

	assert.Equal(t, "/srv/objects", cfg.Storage.Path)
	assert.Empty(t, cfg.Catalog.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero workers", func(c *Config) { c.Normalize.Workers = 0 }},
		{"bad row id mode", func(c *Config) { c.Normalize.RowIDMode = "sequential" }},
		{"bad disposition", func(c *Config) { c.Normalize.WriteDisposition = "upsert" }},
		{"bad contract", func(c *Config) { c.Normalize.Contract.Columns = "lenient" }},
		{"bad package format", func(c *Config) { c.Normalize.PackageFormat = "csv" }},
		{"unknown detector", func(c *Config) { c.Normalize.Detections = []string{"iso_timestamp", "guess"} }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"postgres without dsn", func(c *Config) { c.Catalog.Driver = "postgres" }},
		{"grpc without addr", func(c *Config) { c.GRPC.Enabled = true; c.GRPC.Addr = "" }},
		{"no http addr", func(c *Config) { c.HTTP.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			cfg.Resolve()
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRunnerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize.Workers = 4
	cfg.Normalize.RowIDMode = "content"
	cfg.Normalize.WriteDisposition = "merge"
	cfg.Normalize.MaxIdentifierLength = 63
	cfg.Normalize.Contract.DataType = "discard_value"

	rc, err := cfg.Normalize.RunnerConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, rc.Workers)
	assert.Equal(t, normalize.RowIDContent, rc.RowIDMode)
	assert.Equal(t, schema.WriteMerge, rc.WriteDisposition)
	assert.Equal(t, 63, rc.MaxIdentifierLength)
	assert.Equal(t, schema.ContractDiscardValue, rc.Contract.DataType)
}

func TestRunnerConfigRejectsDisposition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize.WriteDisposition = "upsert"
	_, err := cfg.Normalize.RunnerConfig()
	assert.Error(t, err)
}

func TestSchemaOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize.MaxNesting = 2
	cfg.Normalize.RootKeyPropagation = true
	cfg.Normalize.Detections = []string{"iso_timestamp"}

	opts := cfg.Normalize.SchemaOptions()
	assert.Equal(t, 2, opts.MaxNesting)
	assert.True(t, opts.RootKeyPropagation)
	assert.Equal(t, []string{"iso_timestamp"}, opts.Detections)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "schemaflow.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
data_dir: /var/lib/schemaflow
normalize:
  workers: 8
  contract:
    tables: freeze
  temp_max_age: 30m
storage:
  type: s3
  s3:
    bucket: lake
`), 0644))

	cfg, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/schemaflow", cfg.DataDir)
	assert.Equal(t, 8, cfg.Normalize.Workers)
	assert.Equal(t, "freeze", cfg.Normalize.Contract.Tables)
	assert.Equal(t, 30*time.Minute, cfg.Normalize.TempMaxAge)
	assert.Equal(t, "lake", cfg.Storage.S3.Bucket)
	// Unset fields keep their defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	jsonPath := filepath.Join(dir, "schemaflow.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"catalog":{"driver":"none"}}`), 0644))
	cfg, err = LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Catalog.Driver)

	tomlPath := filepath.Join(dir, "schemaflow.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`x = 1`), 0644))
	_, err = LoadFromFile(tomlPath)
	assert.Error(t, err)

	_, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SCHEMAFLOW_DATA_DIR", "/tmp/sf")
	t.Setenv("SCHEMAFLOW_NORMALIZE_WORKERS", "3")
	t.Setenv("SCHEMAFLOW_NORMALIZE_FAIL_FAST", "true")
	t.Setenv("SCHEMAFLOW_NORMALIZE_DETECTIONS", "iso_timestamp, large_integer")
	t.Setenv("SCHEMAFLOW_NORMALIZE_TEMP_MAX_AGE", "5m")
	t.Setenv("SCHEMAFLOW_CATALOG_DRIVER", "postgres")
	t.Setenv("SCHEMAFLOW_CATALOG_DSN", "postgres://localhost/sf")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "/tmp/sf", cfg.DataDir)
	assert.Equal(t, 3, cfg.Normalize.Workers)
	assert.True(t, cfg.Normalize.FailFast)
	assert.Equal(t, []string{"iso_timestamp", "large_integer"}, cfg.Normalize.Detections)
	assert.Equal(t, 5*time.Minute, cfg.Normalize.TempMaxAge)
	assert.Equal(t, "postgres", cfg.Catalog.Driver)
	assert.Equal(t, "postgres://localhost/sf", cfg.Catalog.DSN)
}

func TestLoadFromEnvRejectsMalformed(t *testing.T) {
	t.Setenv("SCHEMAFLOW_NORMALIZE_WORKERS", "many")
	err := LoadFromEnv(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEMAFLOW_NORMALIZE_WORKERS")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SCHEMAFLOW_LOG_LEVEL=debug\n"), 0644))
	t.Setenv("SCHEMAFLOW_LOG_LEVEL", "")
	os.Unsetenv("SCHEMAFLOW_LOG_LEVEL")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "debug", os.Getenv("SCHEMAFLOW_LOG_LEVEL"))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "sf")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.DataDir, cfg.Storage.Path, cfg.Normalize.PackageDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

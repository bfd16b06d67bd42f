package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no pulsepipe.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pulsepipe.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "pulsepipe", cfg.Store.MongoDatabase)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Pipelines)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/tracking
  retry:
    max_attempts: 5
    initial_backoff_ms: 100
log:
  level: debug
  format: console
pipelines:
  adt_feed:
    adapter:
      type: directory
      path: /var/spool/adt
      format: hl7v2
    deid:
      salt: s3cret
      keep_year: true
      geographic_precision: zip3
    concurrency:
      workers: 4
      queue_depth: 16
      record_timeout: 30s
    recognizer_breaker:
      failure_threshold: 3
      reset_timeout_secs: 60
    payer_table: /etc/pulsepipe/payers.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pulsepipe.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/tracking", cfg.Store.DatabaseURL)
	assert.Equal(t, 5, cfg.Store.Retry.MaxAttempts)
	assert.Equal(t, 100, cfg.Store.Retry.InitialBackoffMs)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	require.Contains(t, cfg.Pipelines, "adt_feed")
	p := cfg.Pipelines["adt_feed"]
	assert.Equal(t, "directory", p.Adapter.Type)
	assert.Equal(t, "/var/spool/adt", p.Adapter.Path)
	assert.Equal(t, "hl7v2", p.Adapter.Format)
	assert.Equal(t, "s3cret", p.Deid.Salt)
	assert.True(t, p.Deid.KeepYear)
	assert.Equal(t, "zip3", p.Deid.GeographicPrecision)
	assert.Equal(t, 4, p.Concurrency.Workers)
	assert.Equal(t, 16, p.Concurrency.QueueDepth)
	assert.Equal(t, 30*time.Second, p.Concurrency.RecordTimeout)
	assert.Equal(t, 3, p.Recognizer.FailureThreshold)
	assert.Equal(t, 60, p.Recognizer.ResetTimeoutSecs)
	assert.Equal(t, "/etc/pulsepipe/payers.yaml", p.PayerTable)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pulsepipe.yaml"), []byte(yaml), 0644))

	t.Setenv("PULSEPIPE_STORE_DRIVER", "postgres")
	t.Setenv("PULSEPIPE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "pulsepipe.db"},
		Pipelines: map[string]PipelineConfig{
			"p": {Adapter: AdapterConfig{Type: "directory", Format: "fhir"}},
		},
	}
	assert.NoError(t, valid.Validate())

	badDriver := valid
	badDriver.Store.Driver = "oracle"
	err := badDriver.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")

	noURL := valid
	noURL.Store.DatabaseURL = ""
	assert.Error(t, noURL.Validate())

	noFormat := valid
	noFormat.Pipelines = map[string]PipelineConfig{
		"p": {Adapter: AdapterConfig{Type: "directory"}},
	}
	err = noFormat.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pipeline "p"`)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Extraction.MaxRetries)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.False(t, cfg.Cache.Enabled)
}

func TestParseMergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
extraction:
  max_retries: 5
cache:
  enabled: true
  type: sqlite
  path: /tmp/extract-cache.db
  ttl: 30m
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Extraction.MaxRetries)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "sqlite", cfg.Cache.Type)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)

	// Untouched sections keep their defaults.
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 1024, cfg.Provider.MaxTokens)
}

func TestParseReportsAllViolations(t *testing.T) {
	_, err := Parse([]byte(`
extraction:
  max_retries: 99
logging:
  level: LOUD
`))
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	require.Len(t, verrs, 2)

	fields := map[string]bool{}
	for _, ve := range verrs {
		fields[ve.Field] = true
	}
	assert.True(t, fields["Extraction.MaxRetries"])
	assert.True(t, fields["Logging.Level"])
}

func TestParseSQLiteRequiresPath(t *testing.T) {
	_, err := Parse([]byte(`
cache:
  type: sqlite
  path: ""
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cache.Path")
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("extraction: [not a map"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("extraction:\n  max_retries: 1\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Extraction.MaxRetries)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

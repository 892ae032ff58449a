package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 0.90, cfg.Memory.DuplicateThreshold)
	assert.Equal(t, 0.80, cfg.Memory.MergeThreshold)
	assert.Equal(t, 30, cfg.Tiering.Threshold)
	assert.Equal(t, 15, cfg.Tiering.Consolidate)
	assert.Equal(t, 15, cfg.Tiering.Retain)
	assert.Equal(t, "chromem", cfg.Vector.Backend)
	assert.True(t, cfg.Vector.Compress)
	assert.NotContains(t, cfg.Vector.Path, "~")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8088
  shutdown_timeout: 3s
memory:
  duplicate_threshold: 0.95
  merge_threshold: 0.85
vector:
  backend: qdrant
  qdrant_api_key: super-secret
  compress: false
graph:
  backend: neo4j
tiering:
  threshold: 10
  consolidate: 5
  retain: 5
  read_limit: 50
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 0.95, cfg.Memory.DuplicateThreshold)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
	assert.False(t, cfg.Vector.Compress)
	assert.Equal(t, "super-secret", cfg.Vector.QdrantAPIKey.Value())
	assert.Equal(t, "neo4j", cfg.Graph.Backend)
	assert.Equal(t, 10, cfg.Tiering.Threshold)
	// untouched sections keep defaults
	assert.Equal(t, 4, cfg.Tiering.Workers)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0600)
	t.Setenv("MEMORYD_SERVER_HTTP_PORT", "7070")
	t.Setenv("MEMORYD_VECTOR_MAX_DISTANCE", "4.5")
	t.Setenv("MEMORYD_EXTRACTION_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 4.5, cfg.Vector.MaxDistance)
	assert.Equal(t, "sk-test", cfg.Extraction.APIKey.Value())
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "inverted thresholds",
			yaml:    "memory:\n  duplicate_threshold: 0.7\n  merge_threshold: 0.8\n",
			wantErr: "thresholds must satisfy",
		},
		{
			name:    "unknown vector backend",
			yaml:    "vector:\n  backend: faiss\n",
			wantErr: "unknown vector backend",
		},
		{
			name:    "supabase without credentials",
			yaml:    "store:\n  backend: supabase\n",
			wantErr: "supabase_url",
		},
		{
			name:    "tiering overlap",
			yaml:    "tiering:\n  threshold: 10\n  consolidate: 8\n  retain: 5\n",
			wantErr: "tiering requires",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml, 0600))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "server.http_port", envKey("MEMORYD_SERVER_HTTP_PORT"))
	assert.Equal(t, "tiering.consolidation_timeout", envKey("MEMORYD_TIERING_CONSOLIDATION_TIMEOUT"))
	assert.Equal(t, "debug", envKey("MEMORYD_DEBUG"))
}

func TestSecretRedaction(t *testing.T) {
	t.Parallel()
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	out, err := json.Marshal(struct{ Key Secret }{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(out))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDurationUnmarshalText(t *testing.T) {
	t.Parallel()
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

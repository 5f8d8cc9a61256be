package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceisfun/smtpc"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Server.Port)
	assert.Equal(t, smtpc.DefaultTimeout, cfg.Session.Timeout)
	assert.Equal(t, smtpc.DefaultChunkSize, cfg.Session.ChunkSize)
	assert.True(t, cfg.Session.Pipelining)
	assert.False(t, cfg.Session.Chunking)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "logfmt", cfg.Log.Format)
	assert.Equal(t, "none", cfg.Journal.Driver)
	assert.Equal(t, "smtpc", cfg.Metrics.Namespace)
}

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
	assert.Nil(t, cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "smtpsend.yaml", `
server:
  host: mx.example.com
  port: 587
  helo: client.example.com
session:
  timeout: 30s
  chunk_size: 1024
  pipelining: false
  chunking: true
journal:
  driver: sqlite
  path: /var/lib/smtpsend/journal.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mx.example.com", cfg.Server.Host)
	assert.Equal(t, 587, cfg.Server.Port)
	assert.Equal(t, "client.example.com", cfg.Server.Helo)
	assert.Equal(t, 30*time.Second, cfg.Session.Timeout)
	assert.True(t, cfg.Session.Chunking)
	assert.Equal(t, "sqlite", cfg.Journal.Driver)

	assert.Equal(t, smtpc.Config{
		Timeout:    30 * time.Second,
		ChunkSize:  1024,
		Pipelining: false,
	}, cfg.Engine())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "smtpsend.yaml", "server:\n  port: 587\n")
	t.Setenv("SMTPC_SERVER_PORT", "2525")
	t.Setenv("SMTPC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2525, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"port", "server:\n  port: 70000\n"},
		{"chunk size", "session:\n  chunk_size: 0\n"},
		{"journal driver", "journal:\n  driver: postgres\n"},
		{"log format", "log:\n  format: xml\n"},
		{"syntax", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "smtpsend.yaml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnv(t *testing.T) {
	const key = "SMTPC_SERVER_HELO"
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))

	path := writeFile(t, ".env", key+"=from-dotenv.example.com\n")
	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "from-dotenv.example.com", os.Getenv(key))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.example.com", cfg.Server.Helo)
}

func TestLoadEnv_MissingFile(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), ".env")))
}

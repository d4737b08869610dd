package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "localhost:8080", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.BackupInterval)
	require.Equal(t, 2*time.Second, cfg.Client.Quiescence)
	require.Equal(t, 300*time.Millisecond, cfg.Client.CaptureTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Client.SettleWindow)
	require.Equal(t, 5, cfg.Client.MaxAttempts)
	require.Equal(t, "_wikisync._tcp", cfg.Discovery.Service)
	require.False(t, cfg.Discovery.Enabled)
}

func TestLoad_fileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wikisync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = "0.0.0.0:9000"
backup_interval = "10s"

[rooms]
driver = "bolt"
path = "rooms.bolt"

[client]
reconnect_attempts = 8
quiescence = "750ms"

[discovery]
enabled = true
`), 0o600))

	t.Setenv("WIKISYNC_ADDR", "127.0.0.1:7000")
	t.Setenv("WIKISYNC_QUIESCENCE", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	require.Equal(t, 10*time.Second, cfg.Server.BackupInterval)
	require.Equal(t, "bolt", cfg.Rooms.Driver)
	require.Equal(t, 8, cfg.Client.MaxAttempts)
	require.Equal(t, 750*time.Millisecond, cfg.Client.Quiescence)
	require.True(t, cfg.Discovery.Enabled)
}

func TestValidate(t *testing.T) {
	cfg, err := Parse(`
[storage]
driver = "postgres"
`)
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "storage.url")

	cfg, err = Parse(`
[log]
level = "loud"
`)
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "invalid log level")

	_, err = Parse(`not toml [`)
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buff bytes.Buffer
	logger := Log{Level: "warn", Format: "json"}.NewLogger(&buff)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	require.NotContains(t, buff.String(), "hidden")
	require.Contains(t, buff.String(), `"msg":"shown"`)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9944", cfg.Chain.Websocket)
	assert.Equal(t, uint16(42), cfg.Chain.SS58Prefix)
	assert.True(t, cfg.Chain.Reconnect)
	assert.Equal(t, 30*time.Second, cfg.Chain.SubmitTimeout)
	assert.Equal(t, "8080", cfg.API.Port)
	assert.Equal(t, time.Hour, cfg.Tracker.Retention)
	assert.Equal(t, "extrinsic_requests", cfg.Kafka.RequestTopic)
	assert.False(t, cfg.Redis.Enabled)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chainapi.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
chain:
  websocket: ws://file-node:9944
tracker:
  retention: 10m
signers:
  alice: "0x01"
`), 0o600))

	t.Setenv("CHAINAPI_CHAIN_WEBSOCKET", "wss://env-node:443")

	cfg, err := LoadWithOptions(LoadOptions{ConfigFile: file})
	require.NoError(t, err)

	assert.Equal(t, "wss://env-node:443", cfg.Chain.Websocket)
	assert.Equal(t, 10*time.Minute, cfg.Tracker.Retention)
	assert.Equal(t, "0x01", cfg.Signers["alice"])
}

func TestDotenvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHAINAPI_API_PORT=9191\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHAINAPI_API_PORT") })

	cfg, err := LoadWithOptions(LoadOptions{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.API.Port)
}

func TestMissingDotenvIsIgnored(t *testing.T) {
	_, err := LoadWithOptions(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
}

func TestFlagsWin(t *testing.T) {
	t.Setenv("CHAINAPI_LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=debug", "--chain-websocket=ws://flag-node:1"}))

	cfg, err := LoadWithOptions(LoadOptions{Flags: fs})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "ws://flag-node:1", cfg.Chain.Websocket)
}

func TestValidateRejectsBadEndpoint(t *testing.T) {
	t.Setenv("CHAINAPI_CHAIN_WEBSOCKET", "http://node:9933")

	_, err := LoadWithOptions(LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws or wss")
}

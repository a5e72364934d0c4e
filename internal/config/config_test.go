package config

import (
	"context"
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
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.MinBackoff())
	assert.Equal(t, 30*time.Second, cfg.Call.NegotiationTimeout())
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad peer id", func(c *Config) { c.Identity.PeerID = "a/b" }},
		{"http relay", func(c *Config) { c.Relay.URL = "http://relay" }},
		{"backoff order", func(c *Config) { c.Relay.ReconnectMaxMs = 10 }},
		{"zero queue", func(c *Config) { c.Relay.QueueSize = 0 }},
		{"no tracks", func(c *Config) { c.Call.Video, c.Call.Audio = false, false }},
		{"timeout", func(c *Config) { c.Call.NegotiationTimeoutSec = 0 }},
		{"viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "nonsense" }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"bind", func(c *Config) { c.Server.Bind = "localhost" }},
		{"history", func(c *Config) { c.Server.History = "mongo" }},
		{"redis without url", func(c *Config) { c.Server.History = "redis" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Identity.PeerID = "alice"
	require.NoError(t, Save(path, cfg))

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", cfg.Identity.PeerID)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"peer_id":"bob"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.PeerID)
	assert.Equal(t, Default().Relay, cfg.Relay)
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":0}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Server.Port)
}

func TestApplyEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RELAYCHAT_PEER_ID=from-file\nRELAYCHAT_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv(EnvRelayURL, "wss://relay.example.org/ws")
	t.Setenv(EnvPeerID, "")
	t.Setenv(EnvLogLevel, "")
	// t.Setenv restores the originals; unset so the file can fill them.
	os.Unsetenv(EnvPeerID)
	os.Unsetenv(EnvLogLevel)

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, envFile))
	assert.Equal(t, "wss://relay.example.org/ws", cfg.Relay.URL)
	assert.Equal(t, "from-file", cfg.Identity.PeerID)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())

	require.NoError(t, ApplyEnv(&cfg, filepath.Join(dir, "missing.env")))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestApplyLogLevel(t *testing.T) {
	require.NoError(t, ApplyLogLevel("warn"))
	require.Error(t, ApplyLogLevel("shout"))
	require.NoError(t, ApplyLogLevel("info"))
}

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

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NETWATCH_SERVER_URL", "")
	t.Setenv("NETWATCH_TRANSPORT", "")
	t.Setenv("NETWATCH_LOG_LEVEL", "")
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `
server:
  url: "https://netwatch.example.com"
  transport: websocket
agent:
  heartbeat_interval: 10s
blocking:
  hosts_path: /tmp/hosts
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://netwatch.example.com", cfg.Server.URL)
	assert.Equal(t, TransportWebsocket, cfg.Server.Transport)
	assert.Equal(t, 10*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, "/tmp/hosts", cfg.Blocking.HostsPath)

	// Unspecified fields keep their defaults.
	assert.Equal(t, "/socket.io", cfg.Server.SocketPath)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.Blocking.EnforceInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), ":::not valid yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), "server:\n  transport: carrier-pigeon\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("NETWATCH_SERVER_URL", "http://override:3000")
	t.Setenv("NETWATCH_LOG_LEVEL", "debug")
	path := writeConfig(t, t.TempDir(), "server:\n  url: http://file:3000\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://override:3000", cfg.Server.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func ptr[T any](v T) *T { return &v }

func TestUpdateFromServerMergesOnlySetFields(t *testing.T) {
	s := NewStore(Default())

	s.UpdateFromServer(ServerPatch{ScreenshotInterval: ptr(uint64(5000))})
	got := s.Get()
	assert.Equal(t, 5*time.Second, got.Agent.ScreenshotInterval)
	assert.Equal(t, 60*time.Second, got.Agent.ActivityLogInterval)
	assert.Equal(t, 100, got.Agent.KeystrokeBufferSize)

	s.UpdateFromServer(ServerPatch{KeystrokeBufferSize: ptr(25)})
	got = s.Get()
	assert.Equal(t, 5*time.Second, got.Agent.ScreenshotInterval)
	assert.Equal(t, 25, got.Agent.KeystrokeBufferSize)
}

func TestUpdateFromServerIgnoresZeroHeartbeat(t *testing.T) {
	s := NewStore(Default())
	s.UpdateFromServer(ServerPatch{HeartbeatInterval: ptr(uint64(0))})
	assert.Equal(t, 30*time.Second, s.Get().Agent.HeartbeatInterval)
}

func TestReplaceKeepsServerPatch(t *testing.T) {
	s := NewStore(Default())
	s.UpdateFromServer(ServerPatch{ScreenshotInterval: ptr(uint64(1000))})
	s.UpdateFromServer(ServerPatch{ActivityLogInterval: ptr(uint64(2000))})

	reloaded := Default()
	reloaded.Server.URL = "http://reloaded"
	s.Replace(reloaded)

	got := s.Get()
	assert.Equal(t, "http://reloaded", got.Server.URL)
	assert.Equal(t, time.Second, got.Agent.ScreenshotInterval)
	assert.Equal(t, 2*time.Second, got.Agent.ActivityLogInterval)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(Default())
	c := s.Get()
	c.Server.URL = "mutated"
	assert.Empty(t, s.Get().Server.URL)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, "agent:\n  heartbeat_interval: 10s\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, store, nil) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  heartbeat_interval: 3s\n"), 0644))

	assert.Eventually(t, func() bool {
		return store.Get().Agent.HeartbeatInterval == 3*time.Second
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchKeepsConfigOnInvalidFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, "agent:\n  heartbeat_interval: 10s\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, store, nil) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(":::broken"), 0644))
	time.Sleep(600 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 10*time.Second, store.Get().Agent.HeartbeatInterval)
}

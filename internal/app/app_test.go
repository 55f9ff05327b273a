package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/comicmarket/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Storage.Backend = "memory"
	cfg.Redis.Enabled = false
	cfg.Mode = mode
	return &cfg
}

func TestWireMemoryWithoutRedis(t *testing.T) {
	cfg := memoryConfig("server")
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Coordinator)
	assert.NotNil(t, deps.Sweeper)
	assert.NotNil(t, deps.Stats)
	assert.NotNil(t, deps.Notifier)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.StatsCache)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Pingers)
}

func TestWireWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig("server")
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()

	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.SignalBus)
	assert.NotNil(t, deps.RateLimiter)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.StatsCache)
	require.Contains(t, deps.Pingers, "redis")
	assert.NoError(t, deps.Pingers["redis"].Ping(context.Background()))
}

func TestWireRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := memoryConfig("server")
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = addr
	cfg.Redis.MaxRetries = 0

	_, _, err := Wire(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: redis")
}

func TestWireMemorySkipsArchive(t *testing.T) {
	cfg := memoryConfig("full")

	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, deps.Archiver)
}

func TestArchiveModeWithoutArchiver(t *testing.T) {
	cfg := memoryConfig("archive")
	a := New(cfg, discardLogger())
	err := a.ArchiveMode(context.Background(), &Dependencies{})
	require.Error(t, err)
}

func TestRunSweeperModeStopsOnCancel(t *testing.T) {
	cfg := memoryConfig("sweeper")
	a := New(cfg, discardLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper mode did not stop")
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := memoryConfig("trade")
	a := New(cfg, discardLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestArchiveCutoff(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), archiveCutoff(now, 90))
}

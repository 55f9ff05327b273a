package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "sweeper"

[storage]
backend = "memory"

[settlement]
reservation_ttl = "10m"
require_verification = true

[fees]
platform_bps = 300
`), 0o600))

	t.Setenv("COMICMKT_SETTLEMENT_SWEEP_INTERVAL", "5s")
	t.Setenv("COMICMKT_FEES_ROYALTY_BPS", "100")
	t.Setenv("COMICMKT_NOTIFY_EVENTS", "incident, transaction.failed,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sweeper", cfg.Mode)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Settlement.ReservationTTL.Duration)
	assert.Equal(t, 5*time.Second, cfg.Settlement.SweepInterval.Duration)
	assert.True(t, cfg.Settlement.RequireVerification)
	assert.Equal(t, int64(300), cfg.Fees.PlatformBps)
	assert.Equal(t, int64(100), cfg.Fees.RoyaltyBps)
	assert.Equal(t, []string{"incident", "transaction.failed"}, cfg.Notify.Events)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Stats.WindowDays)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[settlement]\nreservation_ttl = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Storage.Backend = "sqlite"
	cfg.Fees.PlatformBps = 9_000
	cfg.Fees.RoyaltyBps = 2_000
	cfg.Stats.WindowDays = 0
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown backend "sqlite"`,
		"must not exceed 10000",
		"window_days",
		"telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateArchiveNeedsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	cfg.Storage.Backend = "memory"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive mode needs the postgres backend")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Receipt.PrivateKey = "0xabc"
	cfg.Server.APIKey = "key"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Receipt.PrivateKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Postgres.DSN)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "transaction.completed", cfg.Notify.Events[0])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := Defaults()
	assert.Equal(t, def.Settlement, cfg.Settlement)
	assert.Equal(t, def.Fees, cfg.Fees)
	assert.Equal(t, def.Archive, cfg.Archive)
	assert.Equal(t, def.Notify.Events, cfg.Notify.Events)
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults, loads .env if present
// and applies COMICMKT_* overrides. An empty path skips the file. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets at deploy time without
// touching the TOML file. Unset or empty variables leave the field alone.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Backend, "COMICMKT_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COMICMKT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "COMICMKT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COMICMKT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COMICMKT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COMICMKT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COMICMKT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COMICMKT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COMICMKT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COMICMKT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COMICMKT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COMICMKT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "COMICMKT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COMICMKT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COMICMKT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COMICMKT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COMICMKT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COMICMKT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COMICMKT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COMICMKT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COMICMKT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COMICMKT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COMICMKT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COMICMKT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COMICMKT_S3_FORCE_PATH_STYLE")

	// ── Settlement ──
	setDuration(&cfg.Settlement.ReservationTTL, "COMICMKT_SETTLEMENT_RESERVATION_TTL")
	setDuration(&cfg.Settlement.SweepInterval, "COMICMKT_SETTLEMENT_SWEEP_INTERVAL")
	setInt(&cfg.Settlement.SweepBatch, "COMICMKT_SETTLEMENT_SWEEP_BATCH")
	setInt(&cfg.Settlement.MaxCASAttempts, "COMICMKT_SETTLEMENT_MAX_CAS_ATTEMPTS")
	setBool(&cfg.Settlement.RequireVerification, "COMICMKT_SETTLEMENT_REQUIRE_VERIFICATION")
	setBool(&cfg.Settlement.RequireProofSignature, "COMICMKT_SETTLEMENT_REQUIRE_PROOF_SIGNATURE")

	// ── Fees ──
	setInt64(&cfg.Fees.PlatformBps, "COMICMKT_FEES_PLATFORM_BPS")
	setInt64(&cfg.Fees.RoyaltyBps, "COMICMKT_FEES_ROYALTY_BPS")

	// ── Stats ──
	setInt(&cfg.Stats.WindowDays, "COMICMKT_STATS_WINDOW_DAYS")
	setDuration(&cfg.Stats.CacheTTL, "COMICMKT_STATS_CACHE_TTL")

	// ── Hedera ──
	setStr(&cfg.Hedera.MirrorNodeURL, "COMICMKT_HEDERA_MIRROR_NODE_URL")
	setStr(&cfg.Hedera.Network, "COMICMKT_HEDERA_NETWORK")

	// ── Receipt ──
	setStr(&cfg.Receipt.PrivateKey, "COMICMKT_RECEIPT_PRIVATE_KEY")
	setStr(&cfg.Receipt.EncryptedKeyPath, "COMICMKT_RECEIPT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Receipt.KeyPassword, "COMICMKT_RECEIPT_KEY_PASSWORD")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "COMICMKT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "COMICMKT_ARCHIVE_INTERVAL")

	// ── Server ──
	setInt(&cfg.Server.Port, "COMICMKT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COMICMKT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COMICMKT_SERVER_API_KEY")
	setStr(&cfg.Server.IdentitySecret, "COMICMKT_SERVER_IDENTITY_SECRET")
	setDuration(&cfg.Server.IdentityMaxSkew, "COMICMKT_SERVER_IDENTITY_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "COMICMKT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COMICMKT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COMICMKT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COMICMKT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COMICMKT_NOTIFY_EVENTS")
	setInt(&cfg.Notify.QueueSize, "COMICMKT_NOTIFY_QUEUE_SIZE")

	// ── Top-level ──
	setStr(&cfg.Mode, "COMICMKT_MODE")
	setStr(&cfg.LogLevel, "COMICMKT_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

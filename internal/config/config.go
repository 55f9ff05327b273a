// Package config defines the comicmarket configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by COMICMKT_* environment variables.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Settlement SettlementConfig `toml:"settlement"`
	Fees       FeesConfig       `toml:"fees"`
	Stats      StatsConfig      `toml:"stats"`
	Hedera     HederaConfig     `toml:"hedera"`
	Receipt    ReceiptConfig    `toml:"receipt"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// StorageConfig picks the primary store.
type StorageConfig struct {
	// Backend is "postgres" or "memory". The memory backend is single
	// process only.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds the archive bucket parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SettlementConfig tunes the coordinator and sweeper.
type SettlementConfig struct {
	ReservationTTL        duration `toml:"reservation_ttl"`
	SweepInterval         duration `toml:"sweep_interval"`
	SweepBatch            int      `toml:"sweep_batch"`
	MaxCASAttempts        int      `toml:"max_cas_attempts"`
	RequireVerification   bool     `toml:"require_verification"`
	RequireProofSignature bool     `toml:"require_proof_signature"`
}

// FeesConfig holds fee rates in basis points of the sale price.
type FeesConfig struct {
	PlatformBps int64 `toml:"platform_bps"`
	RoyaltyBps  int64 `toml:"royalty_bps"`
}

// StatsConfig holds market stats defaults.
type StatsConfig struct {
	WindowDays int      `toml:"window_days"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// HederaConfig holds ledger verification parameters.
type HederaConfig struct {
	MirrorNodeURL string `toml:"mirror_node_url"`
	// Network is "mainnet" or "testnet"; it selects explorer links.
	Network string `toml:"network"`
}

// ReceiptConfig holds the operator key that signs settlement receipts.
// Leave both sources empty to disable receipts.
type ReceiptConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ArchiveConfig controls the cold-storage archive loop.
type ArchiveConfig struct {
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration wraps time.Duration so TOML strings like "15m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required in X-API-Key on every /api request.
	APIKey string `toml:"api_key"`
	// IdentitySecret, when set, makes the server check the identity
	// service's HMAC over the actor headers.
	IdentitySecret  string   `toml:"identity_secret"`
	IdentityMaxSkew duration `toml:"identity_max_skew"`
	// RateLimit is requests per minute per actor (or remote address) on
	// mutating routes; 0 disables it. Ignored without redis.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
}

// Defaults returns a Config with the values in config.example.toml.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "comicmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "comicmarket-archive",
			ForcePathStyle: true,
		},
		Settlement: SettlementConfig{
			ReservationTTL: duration{15 * time.Minute},
			SweepInterval:  duration{30 * time.Second},
			SweepBatch:     100,
			MaxCASAttempts: 5,
		},
		Fees: FeesConfig{
			PlatformBps: 250,
			RoyaltyBps:  500,
		},
		Stats: StatsConfig{
			WindowDays: 30,
			CacheTTL:   duration{time.Minute},
		},
		Hedera: HederaConfig{
			MirrorNodeURL: "https://testnet.mirrornode.hedera.com",
			Network:       "testnet",
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			IdentityMaxSkew: duration{5 * time.Minute},
			RateLimit:       120,
		},
		Notify: NotifyConfig{
			Events:    []string{"transaction.completed", "transaction.failed", "incident"},
			QueueSize: 256,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"sweeper": true,
	"archive": true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validNetworks = map[string]bool{
	"mainnet":    true,
	"testnet":    true,
	"previewnet": true,
}

// NeedsArchive reports whether the mode runs the archive loop.
func (c *Config) NeedsArchive() bool {
	m := strings.ToLower(c.Mode)
	return m == "archive" || m == "full"
}

// Validate checks c and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweeper, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Storage.Backend {
	case "memory":
		if strings.ToLower(c.Mode) == "archive" {
			errs = append(errs, "storage: archive mode needs the postgres backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.NeedsArchive() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	if c.Settlement.ReservationTTL.Duration <= 0 {
		errs = append(errs, "settlement: reservation_ttl must be > 0")
	}
	if c.Settlement.SweepInterval.Duration <= 0 {
		errs = append(errs, "settlement: sweep_interval must be > 0")
	}
	if c.Settlement.MaxCASAttempts < 1 {
		errs = append(errs, "settlement: max_cas_attempts must be >= 1")
	}
	if c.Settlement.RequireVerification && c.Hedera.MirrorNodeURL == "" {
		errs = append(errs, "hedera: mirror_node_url is required when settlement.require_verification is set")
	}

	if c.Fees.PlatformBps < 0 || c.Fees.RoyaltyBps < 0 {
		errs = append(errs, "fees: basis points must not be negative")
	}
	if c.Fees.PlatformBps+c.Fees.RoyaltyBps > 10_000 {
		errs = append(errs, "fees: platform_bps + royalty_bps must not exceed 10000")
	}

	if c.Stats.WindowDays < 1 || c.Stats.WindowDays > 365 {
		errs = append(errs, fmt.Sprintf("stats: window_days must be 1-365, got %d", c.Stats.WindowDays))
	}

	if !validNetworks[c.Hedera.Network] {
		errs = append(errs, fmt.Sprintf("hedera: unknown network %q", c.Hedera.Network))
	}

	if c.Receipt.EncryptedKeyPath != "" && c.Receipt.KeyPassword == "" {
		errs = append(errs, "receipt: key_password is required when encrypted_key_path is set")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

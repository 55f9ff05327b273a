package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/comicmarket/internal/blob/s3"
	"github.com/alanyoungcy/comicmarket/internal/cache/redis"
	"github.com/alanyoungcy/comicmarket/internal/config"
	"github.com/alanyoungcy/comicmarket/internal/crypto"
	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/ledger"
	"github.com/alanyoungcy/comicmarket/internal/listing"
	"github.com/alanyoungcy/comicmarket/internal/notify"
	"github.com/alanyoungcy/comicmarket/internal/server/handler"
	"github.com/alanyoungcy/comicmarket/internal/settlement"
	"github.com/alanyoungcy/comicmarket/internal/stats"
	"github.com/alanyoungcy/comicmarket/internal/store/memory"
	"github.com/alanyoungcy/comicmarket/internal/store/postgres"
	"github.com/alanyoungcy/comicmarket/internal/verify"
)

// recordStore is a transaction store the archiver can also read from.
type recordStore interface {
	domain.TransactionStore
	s3blob.TerminalRecordSource
}

// Dependencies bundles everything the modes need. It is built by Wire and
// torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Transactions recordStore
	Attempts     domain.AttemptStore
	AuditStore   domain.AuditStore
	History      handler.ListingHistory

	// Caches; all nil when redis is disabled.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	StatsCache  domain.StatsCache

	// Services
	Listings    *listing.Store
	Ledger      *ledger.Service
	Coordinator *settlement.Coordinator
	Sweeper     *settlement.Sweeper
	Stats       *stats.Service

	// Archiver is nil unless the mode archives and postgres is the backend.
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// Pingers are the dependencies reported by /api/health.
	Pingers map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}
	var repo domain.ListingRepository

	// --- Primary store ---
	switch cfg.Storage.Backend {
	case "memory":
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		repo = memory.NewListingStore()
		deps.Transactions = memory.NewTransactionStore()
		deps.Attempts = memory.NewAttemptStore()
		audit := memory.NewAuditStore()
		deps.AuditStore = audit
		deps.History = audit
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		repo = postgres.NewListingStore(pool)
		deps.Transactions = postgres.NewTransactionStore(pool)
		deps.Attempts = postgres.NewAttemptStore(pool)
		audit := postgres.NewAuditStore(pool)
		deps.AuditStore = audit
		deps.History = audit
		deps.Pingers["postgres"] = pgClient
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.StatsCache = redis.NewStatsCache(redisClient)
		deps.Pingers["redis"] = redisClient
	}

	// --- Core services ---
	deps.Listings = listing.NewStore(repo, cfg.Settlement.MaxCASAttempts, logger)
	deps.Ledger = ledger.NewService(deps.Transactions, ledger.FeeSchedule{
		PlatformBps: cfg.Fees.PlatformBps,
		RoyaltyBps:  cfg.Fees.RoyaltyBps,
	}, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QueueSize, logger)

	// --- Settlement ---
	coord := settlement.NewCoordinator(
		deps.Listings, deps.Ledger, deps.Attempts, deps.AuditStore, deps.SignalBus,
		settlement.Config{
			ReservationTTL:        cfg.Settlement.ReservationTTL.Duration,
			RequireVerification:   cfg.Settlement.RequireVerification,
			RequireProofSignature: cfg.Settlement.RequireProofSignature,
			Network:               cfg.Hedera.Network,
		},
		logger,
	).WithNotifier(deps.Notifier)

	if cfg.Settlement.RequireVerification {
		coord.WithVerifier(verify.NewMirrorClient(cfg.Hedera.MirrorNodeURL))
	}
	if deps.StatsCache != nil {
		coord.WithStatsCache(deps.StatsCache)
	}

	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    cfg.Receipt.PrivateKey,
		EncryptedKeyPath: cfg.Receipt.EncryptedKeyPath,
		KeyPassword:      cfg.Receipt.KeyPassword,
	}
	if keyCfg.Configured() {
		key, err := crypto.LoadKey(keyCfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: receipt key: %w", err)
		}
		signer, err := crypto.NewReceiptSigner(key)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: receipt signer: %w", err)
		}
		coord.WithReceiptSigner(signer)
		logger.InfoContext(ctx, "receipt signing enabled",
			slog.String("address", signer.Address().Hex()),
		)
	}
	deps.Coordinator = coord

	deps.Sweeper = settlement.NewSweeper(coord, deps.LockManager,
		cfg.Settlement.SweepInterval.Duration, cfg.Settlement.SweepBatch, logger)

	deps.Stats = stats.NewService(deps.Ledger, deps.Listings, deps.StatsCache,
		cfg.Stats.CacheTTL.Duration, logger)

	// --- S3 archive ---
	if cfg.NeedsArchive() {
		if cfg.Storage.Backend == "memory" {
			logger.WarnContext(ctx, "archive disabled: memory backend has nothing durable to archive")
		} else {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			deps.Archiver = s3blob.NewTransactionArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				deps.Transactions,
				deps.AuditStore,
				logger,
			)
			deps.Pingers["s3"] = pingFunc(s3Client.Health)
		}
	}

	return deps, cleanup, nil
}

// archiveCutoff is the instant before which terminal records are archived.
func archiveCutoff(now time.Time, retentionDays int) time.Time {
	return now.UTC().AddDate(0, 0, -retentionDays)
}

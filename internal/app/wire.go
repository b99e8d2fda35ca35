package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	s3blob "github.com/alanyoungcy/crossarb/internal/blob/s3"
	"github.com/alanyoungcy/crossarb/internal/cache/redis"
	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/notify"
	"github.com/alanyoungcy/crossarb/internal/server/handler"
	"github.com/alanyoungcy/crossarb/internal/store/postgres"
	"github.com/alanyoungcy/crossarb/internal/store/wal"
)

// Dependencies bundles the storage, cache and notification backends the
// modes build on. Optional backends are nil when not configured.
type Dependencies struct {
	// Stores
	AttemptStore domain.AttemptStore
	Checkpoints  domain.CheckpointStore
	AuditStore   domain.AuditStore

	// Redis
	LockManager domain.LockManager
	QuoteCache  domain.QuoteCache
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health probes by backend name, for /api/health.
	Health map[string]handler.HealthCheck
}

// ledgerBackend resolves where attempts are stored for mode. Paper mode
// always runs on a WAL of its own so simulated trades never reach the
// real ledger.
func ledgerBackend(cfg *config.Config) (backend, dir string, err error) {
	if cfg.Mode != "paper" {
		return cfg.Ledger.Backend, cfg.Ledger.WALDir, nil
	}
	if cfg.Ledger.PaperWALDir != "" {
		return "wal", cfg.Ledger.PaperWALDir, nil
	}
	dir, err = os.MkdirTemp("", "crossarb-paper-")
	if err != nil {
		return "", "", fmt.Errorf("paper wal dir: %w", err)
	}
	return "wal", dir, nil
}

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

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Ledger storage ---
	backend, walDir, err := ledgerBackend(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	switch backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
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
		store := postgres.NewAttemptStore(pool)
		deps.AttemptStore = store
		deps.Checkpoints = store
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pool.Ping
	default:
		store, err := wal.Open(walDir)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.AttemptStore = store
		deps.Checkpoints = store
		logger.InfoContext(ctx, "ledger on write-ahead log", slog.String("dir", walDir))
	}

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.QuoteCache = redis.NewQuoteCache(redisClient, cfg.Monitoring.QuoteStaleness.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamLen)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		objects := s3blob.NewObjects(s3Client)
		deps.Archiver = s3blob.NewArchiver(objects, objects, cfg.S3.Prefix)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
			"",
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

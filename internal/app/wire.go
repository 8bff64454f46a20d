package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/bidround/internal/blob/s3"
	"github.com/alanyoungcy/bidround/internal/cache/local"
	"github.com/alanyoungcy/bidround/internal/cache/redis"
	"github.com/alanyoungcy/bidround/internal/config"
	"github.com/alanyoungcy/bidround/internal/crypto"
	"github.com/alanyoungcy/bidround/internal/custody"
	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/notify"
	"github.com/alanyoungcy/bidround/internal/server/handler"
	"github.com/alanyoungcy/bidround/internal/store/memory"
	"github.com/alanyoungcy/bidround/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode builds its services
// from. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	Store domain.Store
	// Audit is nil with the memory store.
	Audit *postgres.AuditStore

	// Coordination. Redis-backed when enabled, in-process otherwise.
	RoundCache  domain.RoundCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Cold storage. Nil when S3 is disabled.
	Archiver *s3blob.ArchiveImpl

	Issuer *custody.Issuer
	Book   *custody.Book

	Notifier *notify.Notifier

	// Checks feeds the health endpoint.
	Checks map[string]handler.Pinger
}

// usesPostgres reports whether the configured store is PostgreSQL.
func usesPostgres(cfg *config.Config) bool {
	return strings.ToLower(cfg.Store.Driver) != "memory"
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
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	// --- Issuer seed ---
	seed, err := crypto.LoadSeed(crypto.SeedConfig{
		RawSeedHex:     cfg.Authority.SeedHex,
		SealedSeedPath: cfg.Authority.SealedSeedPath,
		Passphrase:     cfg.Authority.Passphrase,
	})
	if err != nil {
		return fail("authority seed", err)
	}
	deps.Issuer, err = custody.NewIssuer(seed)
	if err != nil {
		return fail("issuer", err)
	}
	deps.Book = custody.NewBook(custody.Config{
		WrappedNative: cfg.Settlement.WrappedNativeAsset,
		WalletDeposit: cfg.Settlement.WalletDeposit,
	})

	// --- Durable store ---
	if usesPostgres(cfg) {
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
			AppName:  "bidround-" + cfg.Mode,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Store = postgres.NewStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.WarnContext(ctx, "wire: using in-memory store, state is lost on restart")
		deps.Store = memory.New()
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
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RoundCache = redis.NewRoundCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "wire: redis disabled, locks and rate limits are per process")
		deps.RateLimiter = local.NewRateLimiter(0)
		deps.LockManager = local.NewLockManager()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}

		// A nil *AuditStore must not become a non-nil interface.
		var audit s3blob.AuditSource
		if deps.Audit != nil {
			audit = deps.Audit
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			audit,
			logger.With(slog.String("component", "archiver")),
		)
		deps.Checks["s3"] = s3Client.Health
	}

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
	if cfg.Notify.WebhookURL != "" {
		var auth *crypto.WebhookAuth
		if cfg.Notify.WebhookSecret != "" {
			auth = &crypto.WebhookAuth{Key: cfg.Notify.WebhookKey, Secret: cfg.Notify.WebhookSecret}
		}
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, auth))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// archiver returns the archive as an interface value, nil when S3 is
// disabled.
func (d *Dependencies) archiver() domain.Archiver {
	if d.Archiver == nil {
		return nil
	}
	return d.Archiver
}

// auditStore is the audit log as an interface value, nil with the memory
// store.
func (d *Dependencies) auditStore() domain.AuditStore {
	if d.Audit == nil {
		return nil
	}
	return d.Audit
}

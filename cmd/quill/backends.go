package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/quill"
	"github.com/petrijr/quill/internal/config"
	"github.com/petrijr/quill/pkg/api"
	"github.com/petrijr/quill/pkg/stages"
)

const connectTimeout = 10 * time.Second

// openEngine builds an engine on the configured store. The returned func
// closes the underlying connection.
func openEngine(ctx context.Context, cfg *config.Config, opts quill.Options) (*quill.Engine, func() error, error) {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Store.Backend {
	case config.BackendMemory:
		eng, err := quill.NewInMemoryEngine(opts)
		return eng, func() error { return nil }, err

	case config.BackendSQLite:
		b, err := quill.OpenSQLite(cctx, cfg.Store.SQLitePath, opts)
		if err != nil {
			return nil, nil, err
		}
		return b.Engine, b.Close, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(cctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		eng, err := quill.NewPostgresEngine(cctx, db, opts)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return eng, db.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(cctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Store.RedisAddr, err)
		}
		eng, err := quill.NewRedisEngine(client, cfg.Store.RedisPrefix, opts)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return eng, client.Close, nil

	case config.BackendMongo:
		client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error {
			dctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			return client.Disconnect(dctx)
		}
		if err := client.Ping(cctx, nil); err != nil {
			_ = disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		eng, err := quill.NewMongoEngine(client, cfg.Store.MongoDatabase, opts)
		if err != nil {
			_ = disconnect()
			return nil, nil, err
		}
		return eng, disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// stagesConfig picks the activity collaborators: a remote generator when an
// endpoint is configured, S3 when a bucket is configured.
func stagesConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stages.Config, error) {
	sc := stages.Config{
		Generator:   stages.TemplateGenerator{TargetWords: cfg.Generator.TargetWords},
		Notifier:    stages.NewDedupNotifier(stages.LogNotifier{Logger: logger}),
		Logger:      logger,
		BannedTerms: cfg.Compliance.BannedTerms,
		MaxWords:    cfg.Compliance.MaxWords,
	}
	if cfg.Generator.Endpoint != "" {
		sc.Generator = stages.NewHTTPGenerator(cfg.Generator.Endpoint, cfg.Generator.APIKey, cfg.Generator.Timeout)
	}
	if cfg.Documents.S3Bucket != "" {
		docs, err := stages.NewS3DocumentStoreFromEnv(ctx, cfg.Documents.S3Region, cfg.Documents.S3Bucket, cfg.Documents.S3Prefix)
		if err != nil {
			return stages.Config{}, err
		}
		sc.Documents = docs
	}
	return sc, nil
}

// activityConfigs guards the generator-backed activities with the configured
// rate limit and circuit breaker.
func activityConfigs(cfg *config.Config, logger *slog.Logger) map[string]quill.ActivityConfig {
	guard := quill.GuardConfig{
		RatePerSecond:    cfg.Generator.RatePerSecond,
		Burst:            1,
		FailureThreshold: cfg.Generator.FailureThreshold,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "activity", name, "from", from.String(), "to", to.String())
		},
	}

	retry := quill.Retry(api.DefaultMaxAttempts).
		WithExponentialBackoff(500*time.Millisecond, 2, 10*time.Second).
		WithJitter(0.2).
		WithAttemptTimeout(cfg.Generator.Timeout + 5*time.Second).
		Policy()

	return map[string]quill.ActivityConfig{
		api.ActivityDraft:    {Retry: retry, Guard: guard},
		api.ActivityCritique: {Retry: retry, Guard: guard},
	}
}

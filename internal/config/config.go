// Package config loads quill's runtime configuration from a YAML file and
// QUILL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/quill/pkg/api"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds the configuration for the quill binary.
type Config struct {
	Store struct {
		Backend       string `mapstructure:"backend"`
		SQLitePath    string `mapstructure:"sqlite_path"`
		PostgresDSN   string `mapstructure:"postgres_dsn"`
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPrefix   string `mapstructure:"redis_prefix"`
		MongoURI      string `mapstructure:"mongo_uri"`
		MongoDatabase string `mapstructure:"mongo_database"`
	} `mapstructure:"store"`

	Engine struct {
		Owner         string        `mapstructure:"owner"`
		Workers       int           `mapstructure:"workers"`
		QueueCapacity int           `mapstructure:"queue_capacity"`
		LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
		SnapshotEvery int           `mapstructure:"snapshot_every"`
		RecoverEvery  time.Duration `mapstructure:"recover_every"`
	} `mapstructure:"engine"`

	Policy struct {
		RevisionBudget     int           `mapstructure:"revision_budget"`
		QualityThreshold   float64       `mapstructure:"quality_threshold"`
		ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
		TimeoutPolicy      string        `mapstructure:"timeout_policy"`
		MaxAutoApproveRisk float64       `mapstructure:"max_auto_approve_risk"`
	} `mapstructure:"policy"`

	Generator struct {
		Endpoint         string        `mapstructure:"endpoint"`
		APIKey           string        `mapstructure:"api_key"`
		Timeout          time.Duration `mapstructure:"timeout"`
		RatePerSecond    float64       `mapstructure:"rate_per_second"`
		FailureThreshold uint32        `mapstructure:"failure_threshold"`
		TargetWords      int           `mapstructure:"target_words"`
	} `mapstructure:"generator"`

	Documents struct {
		S3Bucket string `mapstructure:"s3_bucket"`
		S3Prefix string `mapstructure:"s3_prefix"`
		S3Region string `mapstructure:"s3_region"`
	} `mapstructure:"documents"`

	Compliance struct {
		BannedTerms []string `mapstructure:"banned_terms"`
		MaxWords    int      `mapstructure:"max_words"`
	} `mapstructure:"compliance"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	def := api.DefaultPolicy()

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "quill.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "quill:")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "quill")

	v.SetDefault("engine.owner", "")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_capacity", 1024)
	v.SetDefault("engine.lease_ttl", 30*time.Second)
	v.SetDefault("engine.snapshot_every", 8)
	v.SetDefault("engine.recover_every", 15*time.Second)

	v.SetDefault("policy.revision_budget", def.RevisionBudget)
	v.SetDefault("policy.quality_threshold", def.QualityThreshold)
	v.SetDefault("policy.approval_timeout", time.Duration(0))
	v.SetDefault("policy.timeout_policy", string(def.TimeoutPolicy))
	v.SetDefault("policy.max_auto_approve_risk", def.MaxAutoApproveRisk)

	v.SetDefault("generator.endpoint", "")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.timeout", 60*time.Second)
	v.SetDefault("generator.rate_per_second", 0.0)
	v.SetDefault("generator.failure_threshold", 5)
	v.SetDefault("generator.target_words", 0)

	v.SetDefault("documents.s3_bucket", "")
	v.SetDefault("documents.s3_prefix", "quill")
	v.SetDefault("documents.s3_region", "")

	v.SetDefault("compliance.banned_terms", []string{})
	v.SetDefault("compliance.max_words", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.addr", "")
}

// Load reads the configuration. When path is empty it looks for quill.yaml
// in the working directory and $HOME/.quill, and a missing file is not an
// error. Environment variables such as QUILL_STORE_BACKEND override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("quill")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("quill")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.quill")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Policy.TimeoutPolicy = strings.ToLower(strings.TrimSpace(c.Policy.TimeoutPolicy))
	c.Generator.Endpoint = strings.TrimRight(strings.TrimSpace(c.Generator.Endpoint), "/")

	// Env values arrive as one comma-separated string.
	var terms []string
	for _, t := range c.Compliance.BannedTerms {
		for _, f := range strings.Split(t, ",") {
			if f = strings.TrimSpace(f); f != "" {
				terms = append(terms, f)
			}
		}
	}
	c.Compliance.BannedTerms = terms
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr is required for the redis backend")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return errors.New("config: store.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}

	switch api.TimeoutPolicy(c.Policy.TimeoutPolicy) {
	case api.TimeoutPolicyError, api.TimeoutPolicyAutoApprove, api.TimeoutPolicyAutoReject:
	default:
		return fmt.Errorf("config: unknown policy.timeout_policy %q", c.Policy.TimeoutPolicy)
	}
	if c.Policy.RevisionBudget < 0 {
		return errors.New("config: policy.revision_budget must be >= 0")
	}
	if c.Policy.QualityThreshold < 0 || c.Policy.QualityThreshold > 1 {
		return errors.New("config: policy.quality_threshold must be in [0,1]")
	}
	if c.Engine.Workers <= 0 {
		return errors.New("config: engine.workers must be > 0")
	}
	if c.Engine.LeaseTTL <= 0 {
		return errors.New("config: engine.lease_ttl must be > 0")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// EnginePolicy converts the policy section into the engine's form.
func (c *Config) EnginePolicy() api.Policy {
	return api.Policy{
		RevisionBudget:     c.Policy.RevisionBudget,
		QualityThreshold:   c.Policy.QualityThreshold,
		ApprovalTimeout:    c.Policy.ApprovalTimeout,
		TimeoutPolicy:      api.TimeoutPolicy(c.Policy.TimeoutPolicy),
		MaxAutoApproveRisk: c.Policy.MaxAutoApproveRisk,
	}
}

// Logger builds the process logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}

	var h slog.Handler
	if c.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "quill")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

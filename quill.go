package quill

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/quill/internal/activity"
	"github.com/petrijr/quill/internal/engine"
	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/internal/taskqueue"
	"github.com/petrijr/quill/pkg/api"
	"github.com/petrijr/quill/pkg/stages"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = engine.Engine
	WorkflowState        = api.WorkflowState
	ListOptions          = api.ListOptions
	LogEntry             = api.LogEntry
	Task                 = api.Task
	Stage                = api.Stage
	Status               = api.Status
	Policy               = api.Policy
	TimeoutPolicy        = api.TimeoutPolicy
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	GuardConfig          = activity.GuardConfig
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DefaultPolicy        = api.DefaultPolicy
)

const (
	TaskFullPipeline   = api.TaskFullPipeline
	TaskIngestOnly     = api.TaskIngestOnly
	TaskComplianceOnly = api.TaskComplianceOnly
	TaskPublishOnly    = api.TaskPublishOnly

	StatusPending    = api.StatusPending
	StatusInProgress = api.StatusInProgress
	StatusComplete   = api.StatusComplete
	StatusError      = api.StatusError

	TimeoutPolicyError       = api.TimeoutPolicyError
	TimeoutPolicyAutoApprove = api.TimeoutPolicyAutoApprove
	TimeoutPolicyAutoReject  = api.TimeoutPolicyAutoReject
)

// ActivityConfig tunes how one pipeline activity is executed.
type ActivityConfig struct {
	Retry RetryPolicy
	Guard GuardConfig
}

// Options configures an engine built by one of the New*Engine constructors.
// The zero value runs the pipeline with the template generator, in-memory
// document storage and log notifications.
type Options struct {
	Observer Observer
	Logger   *slog.Logger
	Policy   Policy

	Owner         string
	Workers       int
	QueueCapacity int
	LeaseTTL      time.Duration
	SnapshotEvery int
	RecoverEvery  time.Duration

	// Stages wires the pipeline activities to their collaborators.
	Stages stages.Config

	// Activities overrides execution settings per activity name.
	Activities map[string]ActivityConfig
}

// Engine constructors.
// These wrap the internal packages so external callers never need to import
// them.

func newEngine(store persistence.Store, opts Options) (*Engine, error) {
	if opts.Stages.Logger == nil {
		opts.Stages.Logger = opts.Logger
	}
	reg := activity.NewRegistry()
	if err := stages.New(opts.Stages).Register(reg, activityOptions(opts.Activities)); err != nil {
		return nil, err
	}

	exec := activity.NewExecutor(reg,
		activity.WithObserver(opts.Observer),
		activity.WithLogger(opts.Logger),
	)

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}

	return engine.New(engine.Config{
		Store:         store,
		Queue:         taskqueue.NewInMemoryQueue(capacity),
		Executor:      exec,
		Observer:      opts.Observer,
		Logger:        opts.Logger,
		Policy:        opts.Policy,
		Owner:         opts.Owner,
		LeaseTTL:      opts.LeaseTTL,
		SnapshotEvery: opts.SnapshotEvery,
		Workers:       opts.Workers,
		RecoverEvery:  opts.RecoverEvery,
	})
}

func activityOptions(cfg map[string]ActivityConfig) map[string][]activity.Option {
	out := make(map[string][]activity.Option, len(cfg))
	for name, c := range cfg {
		var opts []activity.Option
		if c.Retry != (RetryPolicy{}) {
			opts = append(opts, activity.WithRetry(c.Retry))
		}
		if c.Guard.RatePerSecond > 0 || c.Guard.FailureThreshold > 0 {
			opts = append(opts, activity.WithGuard(activity.NewGuard(name, c.Guard)))
		}
		out[name] = opts
	}
	return out
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts Options) (*Engine, error) {
	return newEngine(persistence.NewInMemoryStore(), opts)
}

// NewSQLiteEngine returns an Engine that keeps its log in a SQLite database.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, opts Options) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts)
}

// NewPostgresEngine returns an Engine that keeps its log in PostgreSQL.
func NewPostgresEngine(ctx context.Context, db *sql.DB, opts Options) (*Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts)
}

// NewRedisEngine returns an Engine that keeps its log in Redis.
func NewRedisEngine(client *redis.Client, prefix string, opts Options) (*Engine, error) {
	return newEngine(persistence.NewRedisStore(client, prefix), opts)
}

// NewMongoEngine returns an Engine that keeps its log in MongoDB.
func NewMongoEngine(client *mongo.Client, database string, opts Options) (*Engine, error) {
	return newEngine(persistence.NewMongoStore(client, database, ""), opts)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting workers:
//
//	n, err := quill.Recover(ctx, eng)
func Recover(ctx context.Context, eng api.Recoverer) (int, error) {
	return eng.Recover(ctx)
}

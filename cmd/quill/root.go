package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/quill"
	"github.com/petrijr/quill/internal/config"
	"github.com/petrijr/quill/pkg/api"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	cfgFile string
	backend string
	verbose bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "quill",
		Short: "Durable content pipeline: ingest, draft, critique, approve, publish",
		Long: `quill drives content through ingestion, drafting, critique, a human
approval gate, compliance checks and publishing. Every step is recorded in a
durable log, so workflows survive restarts.

Configuration is read from quill.yaml (or --config) and QUILL_* environment
variables, e.g. QUILL_STORE_BACKEND=postgres QUILL_STORE_POSTGRES_DSN=...`,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
	}

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "configuration file (default ./quill.yaml)")
	cmd.PersistentFlags().StringVar(&a.backend, "store", "", "override store.backend (memory, sqlite, postgres, redis, mongo)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		newServeCommand(a),
		newStartCommand(a),
		newStateCommand(a),
		newApproveCommand(a),
		newResultCommand(a),
		newCancelCommand(a),
		newHistoryCommand(a),
		newListCommand(a),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Store.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(a.logger)
	return nil
}

// session is an open engine plus whatever must be closed with it.
type session struct {
	eng   *quill.Engine
	close func() error
}

// open connects to the configured store. extra observers are added to the
// default logging observer.
func (a *app) open(ctx context.Context, recoverEvery bool, extra ...api.Observer) (*session, error) {
	st, err := stagesConfig(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	observers := append([]api.Observer{quill.NewLoggingObserver(a.logger)}, extra...)
	opts := quill.Options{
		Observer:      quill.NewCompositeObserver(observers...),
		Logger:        a.logger,
		Policy:        a.cfg.EnginePolicy(),
		Owner:         a.cfg.Engine.Owner,
		Workers:       a.cfg.Engine.Workers,
		QueueCapacity: a.cfg.Engine.QueueCapacity,
		LeaseTTL:      a.cfg.Engine.LeaseTTL,
		SnapshotEvery: a.cfg.Engine.SnapshotEvery,
		Stages:        st,
		Activities:    activityConfigs(a.cfg, a.logger),
	}
	if recoverEvery {
		opts.RecoverEvery = a.cfg.Engine.RecoverEvery
	}

	eng, closeFn, err := openEngine(ctx, a.cfg, opts)
	if err != nil {
		return nil, err
	}
	return &session{eng: eng, close: closeFn}, nil
}

func (s *session) Close() {
	if err := s.close(); err != nil {
		slog.Default().Warn("closing store failed", "error", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

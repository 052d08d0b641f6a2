package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/quill"
	"github.com/petrijr/quill/pkg/api"
)

// waitFlags control whether a command that delivers an event keeps running
// workers in-process until the workflow next needs a human.
type waitFlags struct {
	wait    bool
	timeout time.Duration
}

func (w *waitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&w.wait, "wait", true, "run the workflow in this process until it parks at the gate or finishes")
	cmd.Flags().DurationVar(&w.timeout, "timeout", 10*time.Minute, "give up waiting after this long")
}

// drive runs fn with workers started, then waits for id to settle. Without
// --wait only fn runs; the queued work is adopted by a running `quill serve`
// once this process's lease expires.
func (w *waitFlags) drive(ctx context.Context, s *session, fn func(context.Context) (string, error)) (*api.WorkflowState, error) {
	if !w.wait {
		id, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return s.eng.GetState(ctx, id)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	runner := quill.NewLocalRunner(s.eng)
	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	defer runner.Stop()

	id, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return runner.Await(ctx, id)
}

func newStartCommand(a *app) *cobra.Command {
	var (
		task      string
		arts      map[string]string
		notesFile string
		sources   []string
		w         waitFlags
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow",
		Example: `  quill start --artifact title="Release notes" --notes-file notes.md
  quill start --task compliance_only --artifact document="..."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			artifacts := make(map[string]any, len(arts)+2)
			for k, v := range arts {
				artifacts[k] = v
			}
			if notesFile != "" {
				data, err := os.ReadFile(notesFile)
				if err != nil {
					return err
				}
				artifacts["notes"] = string(data)
			}
			if len(sources) > 0 {
				artifacts["sources"] = sources
			}

			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := w.drive(cmd.Context(), s, func(ctx context.Context) (string, error) {
				return s.eng.StartWorkflow(ctx, api.Task(task), artifacts)
			})
			if err != nil {
				return err
			}
			return printSummary(cmd, st)
		},
	}
	cmd.Flags().StringVar(&task, "task", string(api.TaskFullPipeline), "task: full_pipeline, ingest_only, compliance_only, publish_only")
	cmd.Flags().StringToStringVar(&arts, "artifact", nil, "artifact key=value (repeatable)")
	cmd.Flags().StringVar(&notesFile, "notes-file", "", "read the notes artifact from a file")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "source reference (repeatable)")
	w.register(cmd)
	return cmd
}

func newApproveCommand(a *app) *cobra.Command {
	var (
		reject bool
		notes  string
		w      waitFlags
	)

	cmd := &cobra.Command{
		Use:   "approve <workflow-id>",
		Short: "Approve, or with --reject send back, a workflow parked at the approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := w.drive(cmd.Context(), s, func(ctx context.Context) (string, error) {
				return args[0], s.eng.SubmitApproval(ctx, args[0], !reject, notes)
			})
			if err != nil {
				return err
			}
			return printSummary(cmd, st)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "request changes instead of approving")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the writer")
	w.register(cmd)
	return cmd
}

func newStateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state <workflow-id>",
		Short: "Print the full state of a workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.eng.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newResultCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "result <workflow-id>",
		Short: "Print the final artifacts of a finished workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.eng.GetResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newCancelCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.eng.Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			st, err := s.eng.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSummary(cmd, st)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Print the event log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.eng.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tAT\tEVENT\tFROM\tTO\tSTATUS\tCAUSE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, e.At.Format(time.RFC3339), e.Event.Type, e.Delta.From, e.Delta.To, e.Delta.Status, e.Delta.Cause)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw log entries as JSON")
	return cmd
}

func newListCommand(a *app) *cobra.Command {
	var (
		task, status, stage string
		active              bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			wfs, err := s.eng.ListWorkflows(cmd.Context(), api.ListOptions{
				Task:       api.Task(task),
				Status:     api.Status(status),
				Stage:      api.Stage(stage),
				ActiveOnly: active,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTASK\tSTAGE\tSTATUS\tREVISIONS\tUPDATED")
			for _, st := range wfs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					st.WorkflowID, st.Task, stageLabel(st), st.Status, st.Metrics.RevisionCount, st.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only this task")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	cmd.Flags().StringVar(&stage, "stage", "", "only this stage")
	cmd.Flags().BoolVar(&active, "active", false, "only unfinished workflows")
	return cmd
}

func stageLabel(st *api.WorkflowState) string {
	if st.Flags.AwaitingHuman {
		return string(st.Stage) + " (awaiting approval)"
	}
	return string(st.Stage)
}

// printSummary prints the workflow ID followed by a one-line status.
func printSummary(cmd *cobra.Command, st *api.WorkflowState) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, st.WorkflowID)

	var b strings.Builder
	fmt.Fprintf(&b, "stage=%s status=%s revisions=%d", stageLabel(st), st.Status, st.Metrics.RevisionCount)
	if cause := st.Cause(); cause != "" {
		fmt.Fprintf(&b, " cause=%s", cause)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, " error=%q", st.LastError)
	}
	if st.Flags.AwaitingHuman {
		fmt.Fprintf(&b, "\nnext: quill approve %s [--reject --notes ...]", st.WorkflowID)
	}
	_, err := fmt.Fprintln(out, b.String())
	return err
}

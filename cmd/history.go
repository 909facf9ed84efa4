package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/observability"
	"github.com/xkilldash9x/sightline/internal/store"
)

// runReader is the read side of *store.Store.
type runReader interface {
	GetRun(ctx context.Context, id string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

// storeProvider opens the run store. Tests inject a fake so no database is
// needed.
type storeProvider interface {
	Create(ctx context.Context, cfg *config.Config) (runReader, func(), error)
}

type defaultStoreProvider struct{}

func (defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (runReader, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("database URL is not configured (SIGHTLINE_DATABASE_URL)")
	}
	s, closePool, err := store.Open(ctx, cfg.Database.URL, observability.GetLogger())
	if err != nil {
		return nil, nil, err
	}
	return s, closePool, nil
}

func newHistoryCmd(provider storeProvider) *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show a persisted run, or list recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			runs, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if cleanup != nil {
				defer cleanup()
			}

			if len(args) == 0 {
				return listRuns(ctx, cmd.OutOrStdout(), runs, limit)
			}
			return showRun(ctx, cmd.OutOrStdout(), runs, args[0])
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return historyCmd
}

func listRuns(ctx context.Context, out io.Writer, runs runReader, limit int) error {
	recs, err := runs.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tRESULT\tCYCLES\tTASK")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime), outcome(r), r.Cycles, r.Task)
	}
	return tw.Flush()
}

func showRun(ctx context.Context, out io.Writer, runs runReader, id string) error {
	r, err := runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run %s: %s\n", r.ID, outcome(*r))
	fmt.Fprintf(out, "Task:     %s\n", r.Task)
	fmt.Fprintf(out, "Persona:  %s\n", r.Persona)
	fmt.Fprintf(out, "Started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "Cycles:   %d\n", r.Cycles)
	if r.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", r.Error)
	}
	if r.FinalScreenshot != "" {
		fmt.Fprintf(out, "Final:    %s\n", r.FinalScreenshot)
	}
	if len(r.Steps) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCYCLE\tTIER\tACTION\tRESULT\tDETAIL")
	for _, s := range r.Steps {
		res := "ok"
		if !s.Success {
			res = s.Code
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", s.Seq, s.Cycle, s.Tier, s.Action, res, s.Message)
	}
	return tw.Flush()
}

func outcome(r store.RunRecord) string {
	if r.Success {
		return "success"
	}
	if r.Reason == "" {
		return "failed"
	}
	return "failed (" + r.Reason + ")"
}

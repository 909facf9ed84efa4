package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/agent"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/observability"
	"github.com/xkilldash9x/sightline/internal/orchestrator"
	"github.com/xkilldash9x/sightline/internal/planner"
)

// taskRunner is the part of *agent.Agent the run command needs.
type taskRunner interface {
	Run(ctx context.Context, task orchestrator.Task, completion orchestrator.Completion) (orchestrator.TaskResult, error)
	Close(ctx context.Context) error
}

// agentBuilder opens a device session and returns a runner plus the cleanup
// for everything the runner does not own.
type agentBuilder func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (taskRunner, func(), error)

func defaultAgentBuilder(ctx context.Context, cfg *config.Config, logger *zap.Logger) (taskRunner, func(), error) {
	a, cleanup, err := agent.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cleanup, nil
}

type runOptions struct {
	task         string
	persona      string
	expectText   string
	expectScreen string
	maxCycles    int
}

func newRunCmd(build agentBuilder) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task against the app on the configured device",
		Example: `  sightline run --task "sign up and add a mood of 7" --persona novice
  sightline run --task "log in" --expect-text "Mood History"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-cycles") {
				if opts.maxCycles <= 0 {
					return fmt.Errorf("--max-cycles must be positive, got %d", opts.maxCycles)
				}
				cfg.Orchestrator.MaxCycles = opts.maxCycles
			}
			return runTask(ctx, cmd.OutOrStdout(), observability.GetLogger(), cfg, opts, build)
		},
	}

	runCmd.Flags().StringVarP(&opts.task, "task", "t", "", "natural-language task to perform (required)")
	_ = runCmd.MarkFlagRequired("task")
	runCmd.Flags().StringVarP(&opts.persona, "persona", "p", "", "user persona: novice, default, expert or a custom name")
	runCmd.Flags().StringVar(&opts.expectText, "expect-text", "", "text that must be visible, besides a signed-in session, for the task to count as done")
	runCmd.Flags().StringVar(&opts.expectScreen, "expect-screen", "", "screen name the run must end on")
	runCmd.Flags().IntVar(&opts.maxCycles, "max-cycles", 0, "override orchestrator.max_cycles")
	return runCmd
}

// runTask is the testable core of the run command. A failed task is an error
// so the process exits non-zero.
func runTask(ctx context.Context, out io.Writer, logger *zap.Logger, cfg *config.Config, opts runOptions, build agentBuilder) error {
	task := orchestrator.Task{Text: opts.task, Persona: planner.ParsePersona(opts.persona)}
	logger.Info("Starting task.",
		zap.String("task", task.Text),
		zap.String("persona", task.Persona.Name),
		zap.String("backend", string(cfg.Device.Backend)),
		zap.Int("max_cycles", cfg.Orchestrator.MaxCycles))

	runner, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := runner.Close(closeCtx); err != nil {
			logger.Warn("Failed to close agent cleanly.", zap.String("error_code", "CLOSE_FAILED"), zap.Error(err))
		}
	}()

	res, saveErr := runner.Run(ctx, task, agent.CompletionFor(opts.expectText, opts.expectScreen))
	printResult(out, res)

	var errs []error
	if !res.Success {
		errs = append(errs, fmt.Errorf("task failed (%s): %s", res.Reason, res.Error))
	}
	if saveErr != nil {
		errs = append(errs, saveErr)
	}
	return errors.Join(errs...)
}

func printResult(w io.Writer, res orchestrator.TaskResult) {
	status := "SUCCESS"
	if !res.Success {
		status = "FAILED"
	}
	fmt.Fprintf(w, "Run %s: %s\n", res.ID, status)
	fmt.Fprintf(w, "Task:    %s (%s)\n", res.Task.Text, res.Task.Persona.Name)
	fmt.Fprintf(w, "Cycles:  %d\n", res.Cycles)
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Elapsed: %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", res.Error)
	}
	for _, s := range res.History {
		mark, detail := "ok  ", s.Result.Message
		if !s.Result.Success {
			mark, detail = "FAIL", s.Result.Error
		}
		desc := "<nil>"
		if s.Action != nil {
			desc = s.Action.String()
		}
		fmt.Fprintf(w, "  [%d/%s] %s %s", s.Cycle, s.Tier, mark, desc)
		if detail != "" {
			fmt.Fprintf(w, " - %s", detail)
		}
		fmt.Fprintln(w)
	}
	if res.FinalScreenshot.Path != "" {
		fmt.Fprintf(w, "Final screenshot: %s\n", res.FinalScreenshot.Path)
	}
}

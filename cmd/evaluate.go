package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/agent"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/observability"
	"github.com/xkilldash9x/sightline/internal/screen"
)

type screenAnalyzer interface {
	Analyze(ctx context.Context, shot screen.Screenshot, exp evaluator.Expectations) (*evaluator.Analysis, error)
}

type analyzerBuilder func(cfg *config.Config, logger *zap.Logger) (screenAnalyzer, error)

func defaultAnalyzerBuilder(cfg *config.Config, logger *zap.Logger) (screenAnalyzer, error) {
	ocr, patterns, err := agent.NewVision(cfg.Evaluator, logger)
	if err != nil {
		return nil, err
	}
	return evaluator.New(logger, ocr, patterns), nil
}

func newEvaluateCmd(build analyzerBuilder) *cobra.Command {
	var exp evaluator.Expectations

	evalCmd := &cobra.Command{
		Use:   "evaluate <screenshot.png>",
		Short: "Evaluate a saved screenshot offline and list what can be interacted with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			an, err := build(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize evaluator: %w", err)
			}
			return runEvaluate(ctx, cmd.OutOrStdout(), an, args[0], exp)
		},
	}
	evalCmd.Flags().StringVar(&exp.State, "expect-state", "", "screen the capture is expected to show")
	evalCmd.Flags().StringSliceVar(&exp.Elements, "expect-element", nil, "element expected on screen (repeatable)")
	return evalCmd
}

func runEvaluate(ctx context.Context, out io.Writer, an screenAnalyzer, path string, exp evaluator.Expectations) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot read screenshot: %w", err)
	}
	shot := screen.Screenshot{Path: path, CapturedAt: info.ModTime()}

	start := time.Now()
	a, err := an.Analyze(ctx, shot, exp)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	ev := a.Evaluation

	fmt.Fprintf(out, "Screenshot: %s", path)
	if a.Width > 0 {
		fmt.Fprintf(out, " (%dx%d)", a.Width, a.Height)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "State:      %s\n", ev.OverallState)
	fmt.Fprintf(out, "Summary:    %s\n", ev.Summary)
	fmt.Fprintf(out, "Keyboard:   %t\n", ev.HasKeyboard)
	fmt.Fprintf(out, "Took:       %s\n", time.Since(start).Round(time.Millisecond))

	if len(ev.Observations) > 0 {
		fmt.Fprintln(out, "\nObservations:")
		for _, o := range ev.Observations {
			fmt.Fprintf(out, "  %-9s %-20s %s", o.Severity, o.Type, o.Message)
			if o.Element != "" {
				fmt.Fprintf(out, " [%s]", o.Element)
			}
			fmt.Fprintf(out, " (%s, %.2f)\n", o.Source, o.Confidence)
		}
	}
	if len(ev.BlockingElements) > 0 {
		fmt.Fprintf(out, "\nBlocking: %v\n", ev.BlockingElements)
	}
	if len(a.Elements) > 0 {
		fmt.Fprintln(out, "\nInteractive elements:")
		for _, el := range a.Elements {
			fmt.Fprintf(out, "  %-10s %-28q %s %s at (%d,%d)\n",
				el.Affordance, el.Label(), el.Size, el.Position, el.Bounds.X, el.Bounds.Y)
		}
	}
	return nil
}

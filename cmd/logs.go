package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var follow bool

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the sightline log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile == "" {
				return errors.New("logger.log_file is not set")
			}
			return tailLogs(ctx, cmd.OutOrStdout(), cfg.Logger.LogFile, follow)
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing lines as they are written, across rotations")
	return logsCmd
}

// tailLogs copies path to out. With follow it keeps reading until ctx is
// done, reopening the file when lumberjack rotates it.
func tailLogs(ctx context.Context, out io.Writer, path string, follow bool) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Poll:      true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			if follow {
				return nil
			}
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				if err := t.Wait(); err != nil {
					return fmt.Errorf("failed reading log file: %w", err)
				}
				return nil
			}
			if line.Err != nil {
				return fmt.Errorf("failed reading log file: %w", line.Err)
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}

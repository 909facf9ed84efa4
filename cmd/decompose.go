package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sightline/internal/planner"
)

func newDecomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <task>",
		Short: "Show the goals a task breaks down into",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printGoals(cmd.OutOrStdout(), strings.Join(args, " "))
			return nil
		},
	}
}

func printGoals(w io.Writer, task string) {
	goals := planner.Decompose(task)
	if len(goals) == 0 {
		fmt.Fprintf(w, "No goals recognized in %q.\n", task)
		return
	}
	for i, g := range goals {
		fmt.Fprintf(w, "%d. [%s] %s (priority %d)", i+1, g.Type, g.Description, g.Priority)
		if g.ParentID != "" {
			fmt.Fprintf(w, " after %s", g.ParentID)
		}
		if dt := g.DataType(); dt != "" {
			fmt.Fprintf(w, " data=%s", dt)
		}
		fmt.Fprintln(w)
	}
}

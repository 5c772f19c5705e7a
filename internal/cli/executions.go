package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ExecutionsOptions holds flags for the executions command.
type ExecutionsOptions struct {
	*RootOptions
	Database string
}

// ExecutionInfo is one row of the executions listing.
type ExecutionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// NewExecutionsCommand creates the executions command.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecutionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List executions with state and logical clock",
		Long: `List every execution in the database with its lifecycle state
(active, suspended, finalized) and the sequence number of its latest event.

Examples:
  substrate executions --db ./substrate.db
  substrate executions --db ./substrate.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecutions(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runExecutions(opts *ExecutionsOptions, cmd *cobra.Command) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	rows, err := b.log.Executions(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list executions", err)
	}

	out := make([]ExecutionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ExecutionInfo{
			ID:        r.ID,
			State:     r.State,
			LastSeq:   r.LastSeq,
			CreatedAt: r.CreatedAt,
		})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintln(w, "No executions found")
		return nil
	}
	fmt.Fprintf(w, "%-38s %-10s %8s  %s\n", "ID", "STATE", "LAST_SEQ", "CREATED")
	for _, e := range out {
		fmt.Fprintf(w, "%-38s %-10s %8d  %s\n",
			e.ID, e.State, e.LastSeq, e.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

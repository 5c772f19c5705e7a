package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/config"
	"github.com/roach88/substrate/internal/content"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Database string
	Grace    time.Duration
}

// SweepResult reports one sweep pass.
type SweepResult struct {
	Swept int64 `json:"swept"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Collect zero-reference content entries",
		Long: `Run one sweep pass over the content store, deleting entries whose
reference count is zero and whose last access is older than the grace
period.

Examples:
  substrate sweep --db ./substrate.db
  substrate sweep --db ./substrate.db --grace 1h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().DurationVar(&opts.Grace, "grace", config.DefaultSweepGrace,
		"minimum idle time before a zero-reference entry is collected")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	grace := opts.Grace
	if !cmd.Flags().Changed("grace") {
		grace = b.cfg.SweepGrace.Std()
	}
	sweeper := content.NewSweeper(b.cs, b.cfg.SweepInterval.Std(), grace, nil)
	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		return WrapExitError(ExitFailure, "sweep failed", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), SweepResult{Swept: swept})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Swept %d entries\n", swept)
	return nil
}

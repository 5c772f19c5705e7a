package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/approval"
)

// ExpireOptions holds flags for the expire command.
type ExpireOptions struct {
	*RootOptions
	Database string
}

// ExpireResult reports one expiry pass.
type ExpireResult struct {
	Expired int `json:"expired"`
}

// NewExpireCommand creates the expire command.
func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpireOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Resolve overdue approvals to denied",
		Long: `Resolve every pending approval whose recorded deadline has passed to
the fail-safe denied outcome. Deadlines are persisted at request time, so
this pass reaches the same result as a live process would have.

Examples:
  substrate expire --db ./substrate.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpire(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runExpire(opts *ExpireOptions, cmd *cobra.Command) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	gate := approval.New(b.log, approval.WithDefaultTimeout(b.cfg.ApprovalTimeout.Std()))
	expired, err := gate.ExpireDue(context.Background(), time.Now())
	if err != nil {
		return WrapExitError(ExitFailure, "expiry failed", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), ExpireResult{Expired: expired})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Expired %d approvals\n", expired)
	return nil
}

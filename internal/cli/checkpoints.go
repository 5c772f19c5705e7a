package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// CheckpointsOptions holds flags for the checkpoints command.
type CheckpointsOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
}

// CheckpointInfo is one row of the checkpoints listing.
type CheckpointInfo struct {
	Seq           int64   `json:"seq"`
	SummaryRef    string  `json:"summary_ref"`
	Cutoff        int64   `json:"event_index_cutoff"`
	TokensBefore  int     `json:"tokens_before"`
	TokensAfter   int     `json:"tokens_after"`
	PreservedSeqs []int64 `json:"preserved_seqs,omitempty"`
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List an execution's compression checkpoints",
		Long: `List every checkpoint of one execution in order: the summary ref,
the cutoff below which history is summarized, and the token counts the
compression recorded.

Examples:
  substrate checkpoints --db ./substrate.db --exec <id>`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "exec", "", "execution ID (required)")
	_ = cmd.MarkFlagRequired("exec")

	return cmd
}

func runCheckpoints(opts *CheckpointsOptions, cmd *cobra.Command) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	cps, err := b.asm.Checkpoints(context.Background(), opts.ExecutionID, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list checkpoints", err)
	}

	out := make([]CheckpointInfo, 0, len(cps))
	for _, cp := range cps {
		out = append(out, CheckpointInfo{
			Seq:           cp.Seq,
			SummaryRef:    string(cp.SummaryRef),
			Cutoff:        cp.EventIndexCutoff,
			TokensBefore:  cp.TokensBefore,
			TokensAfter:   cp.TokensAfter,
			PreservedSeqs: cp.PreservedSeqs,
		})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintf(w, "No checkpoints for execution %s\n", opts.ExecutionID)
		return nil
	}
	for _, cp := range out {
		fmt.Fprintf(w, "seq %d: cutoff %d, %d -> %d tokens, summary %s",
			cp.Seq, cp.Cutoff, cp.TokensBefore, cp.TokensAfter, cp.SummaryRef)
		if len(cp.PreservedSeqs) > 0 {
			fmt.Fprintf(w, ", preserved %v", cp.PreservedSeqs)
		}
		fmt.Fprintln(w)
	}
	return nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// AssembleOptions holds flags for the assemble command.
type AssembleOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	AtSeq       int64
}

// NewAssembleCommand creates the assemble command.
func NewAssembleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AssembleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Reconstruct an execution's assembled context",
		Long: `Reconstruct the bounded message view of one execution - the exact
context a model would receive. --at rewinds to any historical sequence
number; assembly is pure, so the result at a given seq never changes.

Examples:
  substrate assemble --db ./substrate.db --exec <id>
  substrate assemble --db ./substrate.db --exec <id> --at 42 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssemble(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "exec", "", "execution ID (required)")
	_ = cmd.MarkFlagRequired("exec")
	cmd.Flags().Int64Var(&opts.AtSeq, "at", 0, "reconstruct as of this sequence number (0 = now)")

	return cmd
}

func runAssemble(opts *AssembleOptions, cmd *cobra.Command) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	msgs, err := b.asm.AssembleAt(context.Background(), opts.ExecutionID, opts.AtSeq)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to assemble context", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), msgs)
	}

	w := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintf(w, "Empty context for execution %s\n", opts.ExecutionID)
		return nil
	}
	for _, m := range msgs {
		label := m.Role
		if m.Summary {
			label = "summary"
		}
		fmt.Fprintf(w, "[%d] %s (%d tokens)", m.Seq, label, m.Tokens)
		if m.ToolName != "" {
			fmt.Fprintf(w, " tool=%s call=%s", m.ToolName, m.ToolCallID)
		} else if m.ToolCallID != "" {
			fmt.Fprintf(w, " call=%s", m.ToolCallID)
		}
		if m.Preserve {
			fmt.Fprint(w, " [preserved]")
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "    %s\n", m.Text)
	}
	fmt.Fprintf(w, "total: %d messages, %d tokens\n", len(msgs), b.asm.TokenEstimate(msgs))
	return nil
}

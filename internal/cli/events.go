package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/eventlog"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	From        int64
	To          int64
	Limit       int
	Full        bool
}

// EventInfo is one row of the events listing.
type EventInfo struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Ref       string    `json:"ref,omitempty"`
	Inline    int       `json:"inline_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Payload is set only with --full.
	Payload event.Payload `json:"payload,omitempty"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List an execution's events in sequence order",
		Long: `List the append-only event log of one execution, paged by sequence
number. The default projection shows structure only; --full resolves
content refs and decodes every payload.

Examples:
  substrate events --db ./substrate.db --exec <id>
  substrate events --db ./substrate.db --exec <id> --from 10 --limit 20
  substrate events --db ./substrate.db --exec <id> --full --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "exec", "", "execution ID (required)")
	_ = cmd.MarkFlagRequired("exec")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first sequence number")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last sequence number (0 = end of log)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max events to return (0 = all)")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "resolve content refs and decode payloads")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	projection := eventlog.MetadataOnly
	if opts.Full {
		projection = eventlog.Full
	}
	events, err := b.log.Read(context.Background(), opts.ExecutionID, eventlog.ReadOptions{
		FromSeq:    opts.From,
		ToSeq:      opts.To,
		Limit:      opts.Limit,
		Projection: projection,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	out := make([]EventInfo, 0, len(events))
	for _, ev := range events {
		out = append(out, EventInfo{
			Seq:       ev.Seq,
			Type:      string(ev.Type),
			ID:        ev.ID,
			Ref:       string(ev.Ref),
			Inline:    len(ev.Inline),
			CreatedAt: ev.CreatedAt,
			Payload:   ev.Payload,
		})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintf(w, "No events in range for execution %s\n", opts.ExecutionID)
		return nil
	}
	for _, e := range out {
		where := fmt.Sprintf("inline %dB", e.Inline)
		if e.Ref != "" {
			where = "ref " + e.Ref
		}
		fmt.Fprintf(w, "%6d  %-20s %s\n", e.Seq, e.Type, where)
		if opts.Full && e.Payload != nil {
			fmt.Fprintf(w, "        %+v\n", e.Payload)
		}
	}
	return nil
}

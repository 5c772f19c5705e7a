package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/event"
)

// ContentOptions holds flags for the content command.
type ContentOptions struct {
	*RootOptions
	Database string
	Raw      bool
}

// ContentInfo is the metadata view of one content entry.
type ContentInfo struct {
	Ref            string    `json:"ref"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	TokenEstimate  int       `json:"token_estimate"`
	Compressed     bool      `json:"compressed"`
	ReferenceCount int64     `json:"reference_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Body           string    `json:"body,omitempty"`
}

// NewContentCommand creates the content command.
func NewContentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ContentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "content <ref>",
		Short: "Fetch a content entry by ref",
		Long: `Fetch one content-addressed entry: metadata plus its bytes,
transparently decompressed from the overflow tier. --raw writes the body
alone, suitable for piping.

Examples:
  substrate content --db ./substrate.db <ref>
  substrate content --db ./substrate.db <ref> --raw > body.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContent(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "write the body bytes only")

	return cmd
}

func runContent(opts *ContentOptions, cmd *cobra.Command, ref string) error {
	b, err := openBackend(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer b.Close()

	ctx := context.Background()
	body, err := b.cs.Get(ctx, event.ContentRef(ref))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to fetch content", err)
	}

	w := cmd.OutOrStdout()
	if opts.Raw {
		_, err := w.Write(body)
		return err
	}

	meta, err := b.cs.Meta(ctx, event.ContentRef(ref))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to fetch content metadata", err)
	}
	info := ContentInfo{
		Ref:            meta.Hash,
		ContentType:    meta.ContentType,
		SizeBytes:      meta.SizeBytes,
		TokenEstimate:  meta.TokenEstimate,
		Compressed:     meta.Compressed,
		ReferenceCount: meta.ReferenceCount,
		CreatedAt:      meta.CreatedAt,
		LastAccessedAt: meta.LastAccessedAt,
		Body:           string(body),
	}

	if opts.Format == "json" {
		return writeJSON(w, info)
	}

	fmt.Fprintf(w, "ref:            %s\n", info.Ref)
	fmt.Fprintf(w, "content type:   %s\n", info.ContentType)
	fmt.Fprintf(w, "size:           %d bytes (%d tokens est.)\n", info.SizeBytes, info.TokenEstimate)
	fmt.Fprintf(w, "compressed:     %t\n", info.Compressed)
	fmt.Fprintf(w, "references:     %d\n", info.ReferenceCount)
	fmt.Fprintf(w, "created:        %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "last accessed:  %s\n", info.LastAccessedAt.Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintln(w, info.Body)
	return nil
}

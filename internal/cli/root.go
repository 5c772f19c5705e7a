// Package cli implements the read-only debugging surface over a substrate
// database: listing executions and events, fetching content, and
// reconstructing assembled context at any point in history.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/assemble"
	"github.com/roach88/substrate/internal/config"
	"github.com/roach88/substrate/internal/content"
	"github.com/roach88/substrate/internal/eventlog"
	"github.com/roach88/substrate/internal/observer"
	"github.com/roach88/substrate/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the substrate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "substrate",
		Short: "Durable execution substrate inspector",
		Long:  "Inspect and replay the durable event log, content store, and approvals of LLM-driven executions.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	cmd.AddCommand(NewExecutionsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewContentCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))
	cmd.AddCommand(NewAssembleCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewExpireCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// backend bundles the read-side components over one database.
type backend struct {
	cfg config.Config
	db  *store.Store
	cs  *content.Store
	log *eventlog.Log
	asm *assemble.Assembler
}

// openBackend opens the database and wires the components, with file config
// thresholds applied when --config is set. Verbose mode attaches a logging
// observer so writes made through the CLI (sweep, expire) trace their
// transitions to stderr.
func openBackend(opts *RootOptions, path string) (*backend, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	cs, err := content.New(db, content.WithOverflowThreshold(cfg.OverflowThreshold))
	if err != nil {
		db.Close()
		return nil, err
	}
	logOpts := []eventlog.Option{eventlog.WithInlineThreshold(cfg.InlineThreshold)}
	if opts.Verbose {
		logOpts = append(logOpts, eventlog.WithObserver(observer.NewLogging(nil)))
	}
	log := eventlog.New(db, cs, logOpts...)
	return &backend{cfg: cfg, db: db, cs: cs, log: log, asm: assemble.New(log)}, nil
}

func (b *backend) Close() error {
	return b.db.Close()
}

// Package cli implements the tunegate command tree. The serve command
// hosts the orchestrator; every other command is a thin HTTP client
// against a running server.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Server string // base URL of a running tunegate server
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tunegate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tunegate",
		Short: "Safety-gated ECU tuning orchestrator",
		Long: "tunegate hosts protocol engines behind a safety orchestrator:\n" +
			"every write to a control unit passes a level gate, an arming\n" +
			"code, and a per-session token before it reaches the wire.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if env := os.Getenv("TUNEGATE_SERVER"); env != "" && !cmd.Flags().Changed("server") {
				opts.Server = env
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://127.0.0.1:8775", "base URL of the tunegate server")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewArmCommand(opts))
	cmd.AddCommand(NewDisarmCommand(opts))
	cmd.AddCommand(NewLevelCommand(opts))
	cmd.AddCommand(NewEnginesCommand(opts))
	cmd.AddCommand(NewMapsCommand(opts))
	cmd.AddCommand(NewChangesetCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewFlashCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// Package cli implements the donationcore command line: the webhook server,
// offline event replay and configuration checks.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"donationcore/internal/config"
	"donationcore/internal/logging"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the donationcore root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "donationcore",
		Short: "Checkout webhook reconciliation for donations and memberships",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file (default $"+config.EnvPrefix+"CONFIG)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))

	return cmd
}

// loadConfig reads the config named by --config, falling back to the
// environment variable.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.ConfigPath != "" {
		return config.LoadFile(o.ConfigPath)
	}
	return config.Load()
}

// newLogger builds the process logger; --verbose forces debug level.
func (o *RootOptions) newLogger(cmd *cobra.Command, cfg config.LogConfig) (*slog.Logger, error) {
	if o.Verbose {
		cfg.Level = "debug"
	}
	return logging.NewWithWriter(cmd.ErrOrStderr(), cfg)
}

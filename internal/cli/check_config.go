package cli

import (
	"fmt"

	"donationcore/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

// NewCheckConfigCommand creates the check-config command.
func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the effective settings",
		Long: `Load defaults, the config file and DONATIONCORE_* overrides, validate
them and print the result with secrets redacted.

Example:
  donationcore check-config --config donationcore.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				_ = out.Error("invalid_config", err.Error())
				return WrapExitError(ExitCommandError, "configuration invalid", err)
			}
			cfg = redactConfig(cfg)
			text, err := yaml.Marshal(cfg)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to encode config", err)
			}
			return out.Success(cfg, fmt.Sprintf("configuration ok\n\n%s", text))
		},
	}
}

func redactConfig(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Stripe.WebhookSecret)
	mask(&cfg.Email.APIKey)
	mask(&cfg.Dedup.RedisPassword)
	mask(&cfg.Storage.PostgresDSN)
	return cfg
}

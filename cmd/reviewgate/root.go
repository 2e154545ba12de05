package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reviewgate/internal/version"
	"reviewgate/pkg/config"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// load resolves the configuration for a subcommand.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newRootCmd creates the root reviewgate command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "reviewgate",
		Short: "Human review gate for coding agents",
		Long: "reviewgate shows agent requests to a human and writes the answers back.\n" +
			"Agents and the gate talk through JSON files in a shared exchange directory.",
		Version:       fmt.Sprintf("reviewgate %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $REVIEWGATE_HOME/config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newProgressCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
		newLogsCmd(opts),
		newCleanupCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

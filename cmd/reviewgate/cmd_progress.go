package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reviewgate/pkg/agentclient"
	"reviewgate/pkg/protocol"
)

// newProgressCmd creates the "reviewgate progress" subcommand.
func newProgressCmd(root *rootOptions) *cobra.Command {
	var (
		p         protocol.ProgressData
		clearFile bool
	)
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Publish a progress update to the gate",
		Long:  "Writes the progress file the gate shows as a progress bar. --clear removes it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			client := agentclient.New(agentclient.Config{Dir: cfg.ExchangeDir, System: cfg.System, Editor: cfg.Editor}, nil)
			if clearFile {
				return client.ClearProgress()
			}
			if p.Percentage < 0 || p.Percentage > 100 {
				return fmt.Errorf("--percent must be between 0 and 100, got %v", p.Percentage)
			}
			return client.Progress(p)
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "Processing...", "task title")
	cmd.Flags().Float64Var(&p.Percentage, "percent", 0, "completion, 0-100")
	cmd.Flags().StringVar(&p.Step, "step", "", "current step")
	cmd.Flags().StringVar(&p.Status, "status", "active", "active or completed")
	cmd.Flags().BoolVar(&clearFile, "clear", false, "remove the progress file")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newConfigCmd creates the "reviewgate config" subcommand.
func newConfigCmd(root *rootOptions) *cobra.Command {
	var pathOnly bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Prints the configuration after defaults and environment overrides, as YAML.\nRedirect it to a file to start a config of your own.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if pathOnly {
				if _, err := os.Stat(cfg.Source); err != nil {
					fmt.Fprintf(w, "%s (not found, defaults in use)\n", cfg.Source)
					return nil
				}
				fmt.Fprintln(w, cfg.Source)
				return nil
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&pathOnly, "path", false, "print only the config file in use")
	return cmd
}

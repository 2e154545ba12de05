package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "reviewgate stop" subcommand.
func newStopCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running gate",
		Long:  "Sends SIGTERM to the serve process. Unanswered prompts are abandoned;\nagents see them time out.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			pidPath := cfg.PIDPath()
			status, pid, err := DaemonStatus(pidPath)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch status {
			case StatusStopped:
				fmt.Fprintln(w, "reviewgate is not running")
				return nil
			case StatusStale:
				fmt.Fprintln(w, "removing stale PID and status files (process already dead)")
				return ReleaseRunFiles(RunFiles{PID: pidPath, Status: cfg.StatusPath()})
			case StatusRunning:
				fmt.Fprintf(w, "sending SIGTERM to reviewgate (PID %d)\n", pid)
			}
			if err := StopDaemon(pid, wait); err != nil {
				return err
			}
			if wait > 0 {
				fmt.Fprintln(w, "stopped")
			} else {
				fmt.Fprintln(w, "stop signal sent")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for the process to exit (0 returns at once)")
	return cmd
}

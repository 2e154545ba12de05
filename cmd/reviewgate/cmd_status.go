package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "reviewgate status" subcommand.
func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the gate is running and how its services are doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			status, pid, err := DaemonStatus(cfg.PIDPath())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if status != StatusRunning {
				if asJSON {
					return json.NewEncoder(w).Encode(map[string]any{"status": status, "pid": pid})
				}
				fmt.Fprintf(w, "reviewgate is %s\n", status)
				if status == StatusStale {
					fmt.Fprintf(w, "PID file names dead process %d; run `reviewgate cleanup`\n", pid)
				}
				return nil
			}

			report, err := ReadStatus(cfg.StatusPath())
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintf(w, "reviewgate is running (PID %d), no status published yet\n", pid)
					return nil
				}
				return err
			}
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(w, report, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status report")
	return cmd
}

// printStatus renders a status report as a table.
func printStatus(w io.Writer, r StatusReport, now time.Time) {
	fmt.Fprintf(w, "reviewgate %s running (PID %d) for %s\n", r.Version, r.PID, now.Sub(r.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "exchange dir: %s\n", r.ExchangeDir)
	if age := now.Sub(r.UpdatedAt); age > time.Minute {
		fmt.Fprintf(w, "warning: status is %s old\n", age.Round(time.Second))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tHEALTH\tRESTARTS\tERROR")
	for _, s := range r.Services {
		health := string(s.Health.Status)
		if health == "" {
			health = "-"
		}
		errText := s.LastError
		if errText == "" {
			errText = s.Health.Error
		}
		name := s.Name
		if s.Lazy {
			name += " (lazy)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, s.State, health, s.RestartFailures, errText)
	}
	_ = tw.Flush()

	if len(r.Pending) > 0 {
		fmt.Fprintf(w, "\nwaiting for you: %s\n", strings.Join(r.Pending, ", "))
	}
	if len(r.Queued) > 0 {
		fmt.Fprintf(w, "queued: %s\n", strings.Join(r.Queued, ", "))
	}
}

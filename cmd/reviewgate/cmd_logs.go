package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"reviewgate/pkg/history"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail     int
	follow   bool
	kind     string
	asJSON   bool
	interval time.Duration
}

// newLogsCmd creates the "reviewgate logs" subcommand.
func newLogsCmd(root *rootOptions) *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs [trigger-id]",
		Short: "Show gate activity from the history database",
		Long:  "Displays recorded triggers, dispatches, responses and recordings.\nOptionally filter by trigger id and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.History.Disabled {
				return fmt.Errorf("history is disabled in %s", cfg.Source)
			}
			opts := history.QueryOpts{Kind: lc.kind, Limit: lc.tail}
			if len(args) == 1 {
				opts.TriggerID = args[0]
			}

			store, err := history.OpenReadOnly(cmd.Context(), cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if lc.follow {
				return followLogs(cmd.Context(), store, w, opts, lc)
			}
			return printLogs(cmd.Context(), store, w, opts, lc.asJSON)
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events")
	cmd.Flags().StringVar(&lc.kind, "kind", "", "only events of this kind (e.g. response_written)")
	cmd.Flags().BoolVar(&lc.asJSON, "json", false, "one JSON object per line")
	cmd.Flags().DurationVar(&lc.interval, "interval", time.Second, "poll interval for --follow")
	return cmd
}

// queryChronological returns matching events oldest first.
func queryChronological(ctx context.Context, store *history.Store, opts history.QueryOpts) ([]history.Event, error) {
	evts, err := store.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	slices.Reverse(evts)
	return evts, nil
}

// printLogs displays the last opts.Limit events.
func printLogs(ctx context.Context, store *history.Store, w io.Writer, opts history.QueryOpts, asJSON bool) error {
	evts, err := queryChronological(ctx, store, opts)
	if err != nil {
		return err
	}
	if len(evts) == 0 && !asJSON {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := range evts {
		formatEvent(w, &evts[i], asJSON)
	}
	return nil
}

// followLogs prints the tail, then polls for newer rows until ctx is done.
func followLogs(ctx context.Context, store *history.Store, w io.Writer, opts history.QueryOpts, lc logsConfig) error {
	evts, err := queryChronological(ctx, store, opts)
	if err != nil {
		return err
	}
	var lastID int64
	for i := range evts {
		formatEvent(w, &evts[i], lc.asJSON)
		lastID = evts[i].ID
	}

	interval := lc.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := opts
			next.AfterID = lastID
			next.Limit = 100
			newer, err := queryChronological(ctx, store, next)
			if err != nil {
				return err
			}
			for i := range newer {
				formatEvent(w, &newer[i], lc.asJSON)
				lastID = newer[i].ID
			}
		}
	}
}

// formatEvent writes a single event.
func formatEvent(w io.Writer, evt *history.Event, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(evt)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	// Format: timestamp | kind | trigger_id | tool | detail
	fmt.Fprintf(w, "%s | %-18s | %-24s | %-16s | %s\n",
		evt.CreatedAt.Local().Format("2006-01-02 15:04:05.000"), evt.Kind, evt.TriggerID, evt.Tool, evt.Detail)
}

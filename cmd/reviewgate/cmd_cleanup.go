package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/config"
	"reviewgate/pkg/protocol"
)

// cleanupConfig holds the cleanup command's inputs.
type cleanupConfig struct {
	w        io.Writer
	all      bool // remove recordings regardless of age
	force    bool // clean even while serve is running
	progress bool // also remove the progress file
	now      func() time.Time
}

// newCleanupCmd creates the "reviewgate cleanup" subcommand.
func newCleanupCmd(root *rootOptions) *cobra.Command {
	cc := cleanupConfig{now: time.Now}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover exchange files after a crash",
		Long: `Removes leftover trigger files, stale temp recordings and a stale PID file.
Refuses to touch the exchange directory while serve is running unless --force.

Safe to run anytime. If nothing is left over, reports "nothing to clean".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			cc.w = cmd.OutOrStdout()
			return runCleanup(cfg, cc)
		},
	}
	cmd.Flags().BoolVar(&cc.all, "all", false, "remove every temp recording, not only stale ones")
	cmd.Flags().BoolVar(&cc.force, "force", false, "clean even if the gate is running")
	cmd.Flags().BoolVar(&cc.progress, "progress", false, "also remove the progress file")
	return cmd
}

// runCleanup performs best-effort cleanup. Each step continues on error
// and failures are reported together.
func runCleanup(cfg *config.Config, cc cleanupConfig) error {
	status, pid, err := DaemonStatus(cfg.PIDPath())
	if err != nil {
		return err
	}
	if status == StatusRunning && !cc.force {
		return fmt.Errorf("reviewgate is running (PID %d); stop it first or pass --force", pid)
	}

	cleaned := false
	var errs []error

	if status == StatusStale {
		if err := RemovePIDFile(cfg.PIDPath()); err != nil {
			errs = append(errs, err)
		} else {
			fmt.Fprintf(cc.w, "removed stale PID file (PID %d)\n", pid)
			_ = os.Remove(cfg.StatusPath())
			cleaned = true
		}
	}

	files := protocol.TriggerFiles(cfg.ExchangeDir, cfg.Watcher.Fallbacks)
	if cc.progress {
		files = append(files, filepath.Join(cfg.ExchangeDir, protocol.ProgressFile))
	}
	for _, f := range files {
		err := os.Remove(f)
		switch {
		case err == nil:
			fmt.Fprintf(cc.w, "removed %s\n", f)
			cleaned = true
		case !errors.Is(err, os.ErrNotExist):
			errs = append(errs, err)
		}
	}

	age := cfg.Audio.StaleAge.Std()
	if cc.all {
		age = 0
	}
	n, err := audio.SweepStale(cfg.ExchangeDir, age, cc.now())
	if err != nil {
		errs = append(errs, err)
	}
	if n > 0 {
		fmt.Fprintf(cc.w, "removed %d temp recording(s)\n", n)
		cleaned = true
	}

	if !cleaned && len(errs) == 0 {
		fmt.Fprintln(cc.w, "nothing to clean")
	}
	return errors.Join(errs...)
}

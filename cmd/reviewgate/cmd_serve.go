package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reviewgate/internal/version"
	"reviewgate/pkg/config"
	"reviewgate/pkg/events"
	"reviewgate/pkg/gate"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/termhost"
)

// UI modes for serve.
const (
	uiAuto = "auto"
	uiTUI  = "tui"
	uiLine = "line"
)

// serveConfig holds the serve command's inputs; tests inject the streams.
type serveConfig struct {
	ui             string
	in             io.Reader
	out            io.Writer
	statusInterval time.Duration
	// ready, when set, is closed once every required service is up.
	ready chan struct{}
}

// newServeCmd creates the "reviewgate serve" subcommand.
func newServeCmd(root *rootOptions) *cobra.Command {
	sc := serveConfig{}
	var exchangeDir, logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the review gate",
		Long: "Watches the exchange directory for agent requests, shows them in the terminal,\n" +
			"and writes your answers back. Runs until interrupted or `reviewgate stop`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if exchangeDir != "" {
				cfg.ExchangeDir = exchangeDir
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			sc.in = cmd.InOrStdin()
			sc.out = cmd.OutOrStdout()
			return runServe(cmd.Context(), cfg, sc)
		},
	}

	cmd.Flags().StringVar(&sc.ui, "ui", uiAuto, "terminal UI: auto, tui or line")
	cmd.Flags().StringVar(&exchangeDir, "exchange-dir", "", "override the exchange directory")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the log level")
	cmd.Flags().DurationVar(&sc.statusInterval, "status-interval", 5*time.Second, "how often to refresh the status file")
	return cmd
}

// wantTUI decides whether serve takes over the terminal.
func wantTUI(sc serveConfig) (bool, error) {
	switch sc.ui {
	case uiTUI:
		return true, nil
	case uiLine:
		return false, nil
	case uiAuto, "":
		in, inOK := sc.in.(*os.File)
		out, outOK := sc.out.(*os.File)
		return inOK && outOK && isatty.IsTerminal(in.Fd()) && isatty.IsTerminal(out.Fd()), nil
	default:
		return false, fmt.Errorf("unknown --ui %q (want auto, tui or line)", sc.ui)
	}
}

// runServe runs the gate until ctx is cancelled, a signal arrives, or the
// TUI exits.
func runServe(ctx context.Context, cfg *config.Config, sc serveConfig) error {
	useTUI, err := wantTUI(sc)
	if err != nil {
		return err
	}
	if sc.statusInterval <= 0 {
		sc.statusInterval = 5 * time.Second
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", cfg.Home, err)
	}
	if err := os.MkdirAll(cfg.ExchangeDir, 0o700); err != nil {
		return fmt.Errorf("create exchange dir: %w", err)
	}
	lc := cfg.Logging()
	if useTUI {
		// Console output would tear the full-screen UI; the file sink stays.
		lc.Output = io.Discard
	}
	lg, err := logging.New(lc)
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Logger

	files := RunFiles{PID: cfg.PIDPath(), Status: cfg.StatusPath()}
	if err := ClaimRunFiles(files); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(ctx, files, log)
	defer cleanup()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	var (
		host gate.Host
		tui  *termhost.TUIHost
	)
	if useTUI {
		tui = termhost.NewTUIHost(termhost.TUIOptions{ConfigPath: cfg.Source, Log: log})
		host = tui
	} else {
		host = termhost.NewLineHost(sc.in, sc.out, termhost.LineOptions{ConfigPath: cfg.Source, Log: log})
	}

	app, err := newGateApp(cfg, host, lg, bus, log)
	if err != nil {
		return err
	}

	if tui != nil {
		go func() {
			if err := tui.Run(); err != nil {
				log.Error("terminal ui", zap.Error(err))
			}
			cancel()
		}()
	}

	startedAt := time.Now()
	startErr := app.Start(ctx)
	if startErr == nil {
		log.Info("review gate ready",
			zap.String("exchange_dir", cfg.ExchangeDir),
			zap.String("config", cfg.Source),
			zap.String("version", version.String()))
		if sc.ready != nil {
			close(sc.ready)
		}
		go func() {
			if err := app.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("service monitor stopped", zap.Error(err))
			}
		}()
		publishStatus(ctx, app, cfg.StatusPath(), startedAt, sc.statusInterval, log)
	}

	log.Info("shutting down")
	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dcancel()
	if err := app.orch.Dispose(dctx); err != nil {
		log.Warn("dispose services", zap.Error(err))
	}
	if tui != nil {
		tui.Quit()
		<-tui.Done()
	}
	cleanup()
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("start services: %w", startErr)
	}
	return nil
}

// publishStatus refreshes the status file until ctx is done.
func publishStatus(ctx context.Context, app *gateApp, path string, startedAt time.Time, every time.Duration, log *zap.Logger) {
	write := func() {
		r := app.Status()
		r.PID = os.Getpid()
		r.Version = version.String()
		r.StartedAt = startedAt
		r.UpdatedAt = time.Now()
		if err := WriteStatus(path, r); err != nil {
			log.Warn("write status", zap.Error(err))
		}
	}
	write()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}

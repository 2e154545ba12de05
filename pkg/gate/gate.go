// Package gate turns queued tool calls into prompts, file pickers and
// recordings on a Host, and turns the user's answers into response files.
//
// Dispatch is the queue's processing callback. It returns once the
// request is on screen and acknowledged; the user's answer arrives later
// through the panel and is written by the message handler.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reviewgate/pkg/config"
	"reviewgate/pkg/events"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/response"
)

// ErrSpeechDisabled is returned by the default speech provider.
var ErrSpeechDisabled = errors.New("speech is disabled")

// LevelSetter changes the log level at runtime.
type LevelSetter interface {
	SetLevel(name string)
}

// Config configures a Gate.
type Config struct {
	Title string // panel title (default "Review Gate")
	// ConfigPath is reloaded when the host reports a settings change.
	ConfigPath    string
	ConfigSection string // default "reviewgate"
	Levels        LevelSetter
	// SpeechTimeout bounds a stop-and-transcribe run (default 2m).
	SpeechTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Title == "" {
		out.Title = "Review Gate"
	}
	if out.ConfigSection == "" {
		out.ConfigSection = "reviewgate"
	}
	if out.SpeechTimeout == 0 {
		out.SpeechTimeout = 2 * time.Minute
	}
	return out
}

// Gate connects the queue to the host.
type Gate struct {
	cfg    Config
	host   Host
	writer *response.Writer
	speech SpeechProvider
	bus    *events.Bus
	log    *zap.Logger

	mu         sync.Mutex
	panel      Panel
	pending    map[string]protocol.ToolCall // shown, awaiting the user's answer
	current    string                       // trigger most recently shown
	recordings map[string]string            // trigger -> session started from the panel

	runCtx  context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	unwatch func()
	active  atomic.Bool

	prompts   atomic.Int64
	responses atomic.Int64
	failures  atomic.Int64
}

// New creates a gate. speech may be nil when recording is disabled; bus
// may be nil.
func New(cfg Config, host Host, writer *response.Writer, speech SpeechProvider, bus *events.Bus, log *zap.Logger) *Gate {
	if speech == nil {
		speech = func(context.Context) (Speech, error) { return nil, ErrSpeechDisabled }
	}
	return &Gate{
		cfg:        cfg.withDefaults(),
		host:       host,
		writer:     writer,
		speech:     speech,
		bus:        bus,
		log:        logging.OrNop(log).Named("gate"),
		pending:    make(map[string]protocol.ToolCall),
		recordings: make(map[string]string),
	}
}

func (g *Gate) publish(ev events.Event) {
	if g.bus != nil {
		g.bus.Publish(ev)
	}
}

// Initialize starts relaying bus events to the panel and watching the
// configuration.
func (g *Gate) Initialize(_ context.Context) error {
	g.runCtx, g.stop = context.WithCancel(context.Background())

	if g.bus != nil {
		sub, cancel := g.bus.Subscribe(64)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer cancel()
			g.relay(g.runCtx, sub)
		}()
	}
	if g.cfg.ConfigPath != "" {
		g.unwatch = g.host.OnConfigChange(g.cfg.ConfigSection, g.reloadConfig)
	}
	g.active.Store(true)
	return nil
}

// Dispose stops background work and closes the panel. Unanswered prompts
// are abandoned; the agent times out on its side.
func (g *Gate) Dispose(_ context.Context) error {
	g.active.Store(false)
	if g.unwatch != nil {
		g.unwatch()
	}
	if g.stop != nil {
		g.stop()
	}
	g.wg.Wait()

	g.mu.Lock()
	p := g.panel
	g.panel = nil
	abandoned := len(g.pending)
	g.pending = make(map[string]protocol.ToolCall)
	g.current = ""
	g.mu.Unlock()

	if abandoned > 0 {
		g.log.Warn("abandoning unanswered prompts", zap.Int("count", abandoned))
	}
	if p != nil {
		return p.Close()
	}
	return nil
}

// IsActive reports whether the gate accepts dispatches.
func (g *Gate) IsActive() bool { return g.active.Load() }

// Metrics returns dispatch counters.
func (g *Gate) Metrics() map[string]any {
	g.mu.Lock()
	pending := len(g.pending)
	open := g.panel != nil
	g.mu.Unlock()
	return map[string]any{
		"pending":    pending,
		"panel_open": open,
		"prompts":    g.prompts.Load(),
		"responses":  g.responses.Load(),
		"failures":   g.failures.Load(),
	}
}

// Pending lists triggers waiting for the user.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for id := range g.pending {
		out = append(out, id)
	}
	return out
}

// ensurePanel opens the panel on first use.
func (g *Gate) ensurePanel() (Panel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panel != nil {
		return g.panel, nil
	}
	p, err := g.host.CreatePanel(g.cfg.Title)
	if err != nil {
		return nil, fmt.Errorf("create panel: %w", err)
	}
	p.OnMessage(g.HandleMessage)
	g.panel = p
	return p, nil
}

// post sends msg to the panel if one is open.
func (g *Gate) post(msg PanelMessage) {
	g.mu.Lock()
	p := g.panel
	g.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.PostMessage(msg); err != nil {
		g.log.Warn("post to panel", zap.String("command", msg.Command), zap.Error(err))
	}
}

// relay forwards bus events the user should see.
func (g *Gate) relay(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.ProgressUpdated:
				g.post(PanelMessage{
					Command:  CmdProgress,
					Title:    e.Title,
					Progress: &protocol.ProgressData{Title: e.Title, Percentage: e.Percentage, Step: e.Step, Status: e.Status},
				})
			case events.ServiceHealthChanged:
				if e.Status == "unhealthy" {
					g.host.Notify(fmt.Sprintf("Review Gate service %s is unhealthy: %s", e.Service, e.Error), LevelWarning)
				}
			}
		}
	}
}

// reloadConfig applies live-reloadable settings.
func (g *Gate) reloadConfig() {
	cfg, err := config.Load(g.cfg.ConfigPath)
	if err != nil {
		g.log.Warn("reload config", zap.Error(err))
		g.host.Notify("Review Gate settings are invalid: "+err.Error(), LevelWarning)
		return
	}
	if g.cfg.Levels != nil {
		g.cfg.Levels.SetLevel(cfg.Log.Level)
	}
	g.log.Info("config reloaded", zap.String("path", g.cfg.ConfigPath), zap.String("log_level", cfg.Log.Level))
	g.publish(events.ConfigChanged{Path: g.cfg.ConfigPath})
}

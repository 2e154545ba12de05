package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/config"
	"reviewgate/pkg/events"
	"reviewgate/pkg/gate"
	"reviewgate/pkg/history"
	"reviewgate/pkg/lifecycle"
	"reviewgate/pkg/orchestrator"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/queue"
	"reviewgate/pkg/response"
	"reviewgate/pkg/watcher"
)

// Service names.
const (
	svcHistory = "history"
	svcGate    = "gate"
	svcQueue   = "queue"
	svcWatcher = "watcher"
	svcAudio   = "audio"
)

// gateApp is the wired set of services behind `reviewgate serve`.
type gateApp struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	bus  *events.Bus
	log  *zap.Logger
}

// newGateApp registers every service on a fresh orchestrator. Nothing is
// constructed until Start.
func newGateApp(cfg *config.Config, host gate.Host, levels gate.LevelSetter, bus *events.Bus, log *zap.Logger) (*gateApp, error) {
	o := orchestrator.New(cfg.OrchestratorConfig(), bus, log)
	app := &gateApp{cfg: cfg, orch: o, bus: bus, log: log}
	writer := response.New(cfg.ExchangeDir, log)

	var speech gate.SpeechProvider
	if !cfg.Audio.Disabled {
		speech = func(ctx context.Context) (gate.Speech, error) {
			m, err := orchestrator.Resolve[*audio.Manager](ctx, o, svcAudio)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}

	regs := []struct {
		name    string
		factory orchestrator.Factory
		opts    orchestrator.Options
	}{
		{svcHistory, app.historyFactory, orchestrator.Options{Priority: 40}},
		{svcGate, func(_ context.Context, _ *orchestrator.Orchestrator) (lifecycle.Service, error) {
			return gate.New(gate.Config{ConfigPath: cfg.Source, Levels: levels}, host, writer, speech, bus, log), nil
		}, orchestrator.Options{Required: true, Priority: 30}},
		{svcQueue, func(_ context.Context, _ *orchestrator.Orchestrator) (lifecycle.Service, error) {
			return queue.New(cfg.QueueConfig(), app.dispatch, bus, log), nil
		}, orchestrator.Options{Deps: []string{svcGate}, Required: true, Priority: 20}},
		{svcWatcher, func(_ context.Context, _ *orchestrator.Orchestrator) (lifecycle.Service, error) {
			return watcher.New(cfg.WatcherConfig(), watcher.SinkFunc(app.enqueue), bus, log), nil
		}, orchestrator.Options{Deps: []string{svcQueue}, Required: true, Priority: 10}},
		{svcAudio, func(_ context.Context, _ *orchestrator.Orchestrator) (lifecycle.Service, error) {
			return audio.NewManager(cfg.AudioConfig(), audio.NewExecRecorder(cfg.Audio.Binary), bus, log), nil
		}, orchestrator.Options{Lazy: true, Priority: 5}},
	}
	for _, r := range regs {
		if r.name == svcAudio && cfg.Audio.Disabled {
			continue
		}
		if r.name == svcHistory && cfg.History.Disabled {
			continue
		}
		if err := o.Register(r.name, r.factory, r.opts); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Start brings up the required services, then history on a best-effort
// basis.
func (a *gateApp) Start(ctx context.Context) error {
	if err := a.orch.InitializeRequired(ctx); err != nil {
		return err
	}
	if !a.cfg.History.Disabled {
		if _, err := a.orch.Get(ctx, svcHistory); err != nil {
			a.log.Warn("history unavailable", zap.Error(err))
		}
	}
	return nil
}

// dispatch is the queue's processing callback. The gate is resolved per
// item so a restarted gate takes over at once.
func (a *gateApp) dispatch(ctx context.Context, t *protocol.Trigger) error {
	g, err := orchestrator.Resolve[*gate.Gate](ctx, a.orch, svcGate)
	if err != nil {
		return err
	}
	return g.Dispatch(ctx, t)
}

// enqueue is the watcher's sink, resolved the same way.
func (a *gateApp) enqueue(t *protocol.Trigger) error {
	q, err := orchestrator.Resolve[*queue.Queue](context.Background(), a.orch, svcQueue)
	if err != nil {
		return err
	}
	return q.Enqueue(t)
}

// Status gathers the status file contents.
func (a *gateApp) Status() StatusReport {
	r := StatusReport{ExchangeDir: a.cfg.ExchangeDir, Services: a.orch.Snapshot()}
	if st, err := a.orch.State(svcGate); err == nil && st == lifecycle.StateActive {
		if g, err := orchestrator.Resolve[*gate.Gate](context.Background(), a.orch, svcGate); err == nil {
			r.Pending = g.Pending()
		}
	}
	if st, err := a.orch.State(svcQueue); err == nil && st == lifecycle.StateActive {
		if q, err := orchestrator.Resolve[*queue.Queue](context.Background(), a.orch, svcQueue); err == nil {
			r.Queued = q.Pending()
		}
	}
	return r
}

func (a *gateApp) historyFactory(_ context.Context, _ *orchestrator.Orchestrator) (lifecycle.Service, error) {
	return &historyService{
		path:      a.cfg.History.Path,
		retention: a.cfg.History.Retention.Std(),
		bus:       a.bus,
		log:       a.log,
	}, nil
}

// historyService archives bus events into the history database.
type historyService struct {
	path      string
	retention time.Duration
	bus       *events.Bus
	log       *zap.Logger

	store  *history.Store
	stop   context.CancelFunc
	done   chan struct{}
	active atomic.Bool
}

func (h *historyService) Initialize(ctx context.Context) error {
	store, err := history.Open(ctx, h.path)
	if err != nil {
		return err
	}
	if h.retention > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-h.retention))
		if err != nil {
			h.log.Warn("prune history", zap.Error(err))
		} else if n > 0 {
			h.log.Info("pruned history", zap.Int64("rows", n))
		}
	}
	h.store = store

	sub, unsubscribe := h.bus.Subscribe(256)
	runCtx, cancel := context.WithCancel(context.Background())
	h.stop = func() {
		cancel()
		unsubscribe()
	}
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		store.Archive(runCtx, sub, h.log)
	}()
	h.active.Store(true)
	return nil
}

func (h *historyService) Dispose(_ context.Context) error {
	h.active.Store(false)
	if h.stop != nil {
		h.stop()
		<-h.done
	}
	if err := h.store.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}

func (h *historyService) IsActive() bool { return h.active.Load() }

func (h *historyService) Metrics() map[string]any {
	return map[string]any{"path": h.path}
}

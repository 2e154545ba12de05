// Package watcher detects trigger files written by the agent into the
// exchange directory. Filesystem events are debounced per (path, kind),
// unchanged files are skipped by their (size, mtime) stamp, and valid
// triggers are handed to a Sink before the source file is removed.
//
// Agents write the same trigger to the primary file and to its numbered
// backups. A trigger_id is handed to the Sink once; later copies are
// removed without being enqueued.
//
// The agent's progress file is watched the same way and relayed as a
// ProgressUpdated event; it is never removed.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"reviewgate/pkg/events"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
)

// Sink receives validated triggers. The queue implements it; Enqueue must
// not block.
type Sink interface {
	Enqueue(t *protocol.Trigger) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(t *protocol.Trigger) error

// Enqueue implements Sink.
func (f SinkFunc) Enqueue(t *protocol.Trigger) error { return f(t) }

// Config holds watcher settings.
type Config struct {
	Dir          string          // exchange directory
	Filter       protocol.Filter // expected editor/system
	Debounce     time.Duration   // default 250ms
	Fallbacks    int             // numbered fallback trigger files (default 3)
	FallbackPoll time.Duration   // safety-net rescan interval (default 2s)
	NoProgress   bool            // skip the progress file
	RecentTTL    time.Duration   // how long an enqueued trigger_id suppresses its copies (default 10m)
}

// maxRecent bounds the enqueued-id set; the oldest ids go first.
const maxRecent = 1024

func (c *Config) withDefaults() Config {
	out := *c
	if out.Dir == "" {
		out.Dir = os.TempDir()
	}
	if out.Debounce == 0 {
		out.Debounce = 250 * time.Millisecond
	}
	if out.Fallbacks == 0 {
		out.Fallbacks = 3
	}
	if out.FallbackPoll == 0 {
		out.FallbackPoll = 2 * time.Second
	}
	if out.RecentTTL == 0 {
		out.RecentTTL = 10 * time.Minute
	}
	return out
}

// eventKind is the debounced event category.
type eventKind string

const (
	kindCreate eventKind = "create"
	kindModify eventKind = "modify"
)

type debounceKey struct {
	path string
	kind eventKind
}

// stamp identifies one version of a file.
type stamp struct {
	size  int64
	mtime int64 // UnixNano
}

// Watcher is the trigger detection service.
type Watcher struct {
	cfg  Config
	sink Sink
	bus  events.Publisher
	log  *zap.Logger

	targets  map[string]bool
	progress string

	// fire runs after the debounce window; tests replace it to count calls.
	fire    func(path string)
	nowFunc func() time.Time

	mu      sync.Mutex
	pending map[debounceKey]*time.Timer
	seen    map[string]stamp     // stamps of files that could not be removed, and of the progress file
	invalid map[string]stamp     // stamps already reported as invalid
	recent  map[string]time.Time // trigger_id -> when it was enqueued
	closed  bool

	procMu sync.Mutex // serializes file processing

	fsw      *fsnotify.Watcher
	notifyOn atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	active   atomic.Bool

	detected    atomic.Int64
	rejected    atomic.Int64
	skipped     atomic.Int64
	duplicates  atomic.Int64
	deleteFails atomic.Int64
	progressed  atomic.Int64
}

// New creates a watcher feeding sink. bus may be nil.
func New(cfg Config, sink Sink, bus events.Publisher, log *zap.Logger) *Watcher {
	resolved := cfg.withDefaults()
	w := &Watcher{
		cfg:     resolved,
		sink:    sink,
		bus:     bus,
		log:     logging.OrNop(log).Named("watcher"),
		targets: make(map[string]bool),
		pending: make(map[debounceKey]*time.Timer),
		seen:    make(map[string]stamp),
		invalid: make(map[string]stamp),
		recent:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
	for _, p := range protocol.TriggerFiles(resolved.Dir, resolved.Fallbacks) {
		w.targets[filepath.Clean(p)] = true
	}
	if !resolved.NoProgress {
		w.progress = filepath.Clean(filepath.Join(resolved.Dir, protocol.ProgressFile))
	}
	w.fire = w.process
	return w
}

func (w *Watcher) publish(ev events.Event) {
	if w.bus != nil {
		w.bus.Publish(ev)
	}
}

// Initialize starts watching. When fsnotify is unavailable the watcher
// degrades to polling at FallbackPoll.
func (w *Watcher) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return &protocol.IOError{Op: "create exchange dir", Path: w.cfg.Dir, Err: err}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else if err := fsw.Add(w.cfg.Dir); err != nil {
		_ = fsw.Close()
		w.log.Warn("cannot watch exchange dir, polling only", zap.String("dir", w.cfg.Dir), zap.Error(err))
	} else {
		w.fsw = fsw
		w.notifyOn.Store(true)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.active.Store(true)

	// Triggers written before startup.
	w.scan()

	go w.loop(runCtx)
	w.log.Info("watching exchange dir",
		zap.String("dir", w.cfg.Dir),
		zap.Int("trigger_files", len(w.targets)),
		zap.Bool("fsnotify", w.notifyOn.Load()))
	return nil
}

// Dispose stops the loop, cancels pending debounce timers, and closes the
// fsnotify watcher.
func (w *Watcher) Dispose(_ context.Context) error {
	w.active.Store(false)

	w.mu.Lock()
	w.closed = true
	for key, t := range w.pending {
		t.Stop()
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	if w.notifyOn.Swap(false) {
		// The loop has exited, so nothing else reads fsw.
		err := w.fsw.Close()
		w.fsw = nil
		return err
	}
	return nil
}

// IsActive reports whether the watch loop is running.
func (w *Watcher) IsActive() bool { return w.active.Load() }

// CheckHealth fails when the exchange directory disappeared.
func (w *Watcher) CheckHealth(_ context.Context) error {
	info, err := os.Stat(w.cfg.Dir)
	if err != nil {
		return &protocol.IOError{Op: "stat exchange dir", Path: w.cfg.Dir, Err: err}
	}
	if !info.IsDir() {
		return fmt.Errorf("exchange path %s is not a directory", w.cfg.Dir)
	}
	return nil
}

// Metrics returns processing counters.
func (w *Watcher) Metrics() map[string]any {
	w.mu.Lock()
	pending := len(w.pending)
	cached := len(w.seen)
	recent := len(w.recent)
	w.mu.Unlock()
	return map[string]any{
		"detected":        w.detected.Load(),
		"rejected":        w.rejected.Load(),
		"skipped":         w.skipped.Load(),
		"duplicates":      w.duplicates.Load(),
		"recent_ids":      recent,
		"delete_failures": w.deleteFails.Load(),
		"progress":        w.progressed.Load(),
		"pending":         pending,
		"cached":          cached,
		"fsnotify":        w.notifyOn.Load(),
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FallbackPoll)
	defer ticker.Stop()

	var (
		evs  <-chan fsnotify.Event
		errs <-chan error
	)
	if w.fsw != nil {
		evs = w.fsw.Events
		errs = w.fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("fsnotify error", zap.Error(err))
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) interesting(path string) bool {
	return w.targets[path] || (w.progress != "" && path == w.progress)
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.interesting(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Rename):
		w.schedule(path, kindCreate)
	case ev.Has(fsnotify.Write):
		w.schedule(path, kindModify)
	}
}

// schedule (re)arms the debounce timer for (path, kind). Only the last
// event of a burst reaches fire.
func (w *Watcher) schedule(path string, kind eventKind) {
	key := debounceKey{path: path, kind: kind}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		if w.pending[key] != t || w.closed {
			w.mu.Unlock()
			return
		}
		delete(w.pending, key)
		w.mu.Unlock()
		w.fire(path)
	})
	w.pending[key] = t
}

// scan checks every watched path once. It backs both the startup pass and
// the fallback poll; the stamp cache keeps it from reprocessing.
func (w *Watcher) scan() {
	for path := range w.targets {
		w.fire(path)
	}
	if w.progress != "" {
		w.fire(w.progress)
	}
}

// process reads, validates and dispatches one file.
func (w *Watcher) process(path string) {
	w.procMu.Lock()
	defer w.procMu.Unlock()

	if !w.active.Load() {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warn("stat trigger", zap.String("path", path), zap.Error(err))
		}
		return
	}
	cur := stamp{size: info.Size(), mtime: info.ModTime().UnixNano()}

	w.mu.Lock()
	prev, seen := w.seen[path]
	bad, reported := w.invalid[path]
	w.mu.Unlock()
	if (seen && prev == cur) || (reported && bad == cur) {
		w.skipped.Add(1)
		return
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is one of the fixed exchange filenames
	if err != nil {
		w.log.Warn("read trigger", zap.Error(&protocol.IOError{Op: "read", Path: path, Err: err}))
		return
	}

	if path == w.progress {
		w.relayProgress(path, cur, data)
		return
	}

	trig, err := protocol.ParseTrigger(path, data, w.cfg.Filter)
	if err != nil {
		w.rejected.Add(1)
		w.mu.Lock()
		w.invalid[path] = cur
		w.mu.Unlock()
		w.log.Warn("rejected trigger", zap.String("path", path), zap.Error(err))
		w.publish(events.TriggerRejected{Path: path, Reason: err.Error()})
		return
	}

	w.mu.Lock()
	delete(w.invalid, path)
	dup := w.seenRecentlyLocked(trig.ID())
	w.mu.Unlock()

	if dup {
		w.duplicates.Add(1)
		w.log.Debug("duplicate trigger copy",
			zap.String("trigger_id", trig.ID()),
			zap.String("file", filepath.Base(path)))
		w.consume(path, cur)
		return
	}

	// The stamp is cached only once the sink accepted the trigger, so a
	// failed enqueue is retried by the next scan.
	if err := w.sink.Enqueue(trig); err != nil {
		w.log.Error("enqueue trigger, will retry",
			zap.String("trigger_id", trig.ID()),
			zap.String("tool", string(trig.Tool())),
			zap.Error(err))
		return
	}
	w.mu.Lock()
	w.rememberLocked(trig.ID())
	w.mu.Unlock()
	w.consume(path, cur)

	w.detected.Add(1)
	w.log.Info("trigger detected",
		zap.String("trigger_id", trig.ID()),
		zap.String("tool", string(trig.Tool())),
		zap.String("file", filepath.Base(path)))
	w.publish(events.TriggerDetected{TriggerID: trig.ID(), Tool: string(trig.Tool()), Path: path})
}

// consume removes a handled trigger file. Once it is gone the path's stamp
// is dropped: the next file written there is a new request even if its
// size and mtime match. If removal fails the stamp keeps the file from
// being handled again.
func (w *Watcher) consume(path string, cur stamp) {
	err := os.Remove(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		delete(w.seen, path)
		return
	}
	w.seen[path] = cur
	w.deleteFails.Add(1)
	w.log.Warn("remove consumed trigger", zap.String("path", path), zap.Error(err))
}

// seenRecentlyLocked reports whether id was enqueued within RecentTTL.
func (w *Watcher) seenRecentlyLocked(id string) bool {
	at, ok := w.recent[id]
	if !ok {
		return false
	}
	if w.nowFunc().Sub(at) >= w.cfg.RecentTTL {
		delete(w.recent, id)
		return false
	}
	return true
}

// rememberLocked records id, expiring old entries and keeping the set
// within maxRecent.
func (w *Watcher) rememberLocked(id string) {
	now := w.nowFunc()
	for k, at := range w.recent {
		if now.Sub(at) >= w.cfg.RecentTTL {
			delete(w.recent, k)
		}
	}
	for len(w.recent) >= maxRecent {
		var oldest string
		var oldestAt time.Time
		for k, at := range w.recent {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = k, at
			}
		}
		delete(w.recent, oldest)
	}
	w.recent[id] = now
}

func (w *Watcher) relayProgress(path string, cur stamp, data []byte) {
	var upd protocol.ProgressUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		w.mu.Lock()
		w.invalid[path] = cur
		w.mu.Unlock()
		w.log.Warn("malformed progress file", zap.String("path", path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.seen[path] = cur
	w.mu.Unlock()

	if upd.Type != "" && upd.Type != "progress_update" {
		return
	}
	w.progressed.Add(1)
	w.publish(events.ProgressUpdated{
		Title:      upd.Data.Title,
		Percentage: upd.Data.Percentage,
		Step:       upd.Data.Step,
		Status:     upd.Data.Status,
	})
}

package watcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reviewgate/pkg/events"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/watcher"
)

type collectSink struct {
	mu    sync.Mutex
	items []*protocol.Trigger
}

func (s *collectSink) Enqueue(t *protocol.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, t)
	return nil
}

func (s *collectSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, t.ID())
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startWatcher(t *testing.T, dir string, sink watcher.Sink, bus *events.Bus) *watcher.Watcher {
	t.Helper()
	w := watcher.New(watcher.Config{
		Dir:          dir,
		Filter:       protocol.Filter{Editor: protocol.DefaultEditor, System: protocol.DefaultSystem},
		Debounce:     20 * time.Millisecond,
		FallbackPoll: 50 * time.Millisecond,
	}, sink, bus, nil)
	if err := w.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = w.Dispose(context.Background()) })
	return w
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcher_ValidTriggerEnqueuedAndRemoved(t *testing.T) {
	dir := t.TempDir()
	sink := &collectSink{}
	bus := events.NewBus()
	defer bus.Close()
	sub, cancel := bus.Subscribe(16)
	defer cancel()

	startWatcher(t, dir, sink, bus)

	path := filepath.Join(dir, protocol.TriggerFile)
	writeFile(t, path, `{"data":{"tool":"review_gate_chat","trigger_id":"abc123"}}`)

	waitFor(t, "trigger enqueued", func() bool { return len(sink.ids()) == 1 })
	if ids := sink.ids(); ids[0] != "abc123" {
		t.Errorf("expected abc123, got %v", ids)
	}
	waitFor(t, "trigger file removed", func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	})

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			td, ok := ev.(events.TriggerDetected)
			if !ok {
				continue
			}
			if td.TriggerID != "abc123" {
				t.Errorf("expected TriggerDetected for abc123, got %#v", td)
			}
			return
		case <-timeout:
			t.Fatal("no TriggerDetected event")
		}
	}
}

func TestWatcher_FallbackFileAndPreexistingTrigger(t *testing.T) {
	dir := t.TempDir()
	// Written before the watcher starts: picked up by the startup scan.
	writeFile(t, filepath.Join(dir, "review_gate_trigger_1.json"), `{"data":{"tool":"quick_review","trigger_id":"early"}}`)

	sink := &collectSink{}
	startWatcher(t, dir, sink, nil)

	waitFor(t, "preexisting trigger", func() bool { return len(sink.ids()) == 1 })
	if sink.ids()[0] != "early" {
		t.Errorf("unexpected trigger %v", sink.ids())
	}
}

func TestWatcher_BackupCopiesEnqueuedOnce(t *testing.T) {
	dir := t.TempDir()
	sink := &collectSink{}
	startWatcher(t, dir, sink, nil)

	// Agents write every request to the primary file and each backup.
	body := `{"data":{"tool":"review_gate_chat","trigger_id":"abc123"}}`
	files := protocol.TriggerFiles(dir, 3)
	for _, f := range files {
		writeFile(t, f, body)
	}

	waitFor(t, "all copies consumed", func() bool {
		for _, f := range files {
			if _, err := os.Stat(f); err == nil {
				return false
			}
		}
		return true
	})
	// A few more polls must not bring anything back.
	time.Sleep(150 * time.Millisecond)
	if ids := sink.ids(); len(ids) != 1 || ids[0] != "abc123" {
		t.Fatalf("enqueued %v, want [abc123]", ids)
	}
}

func TestWatcher_InvalidTriggersNotEnqueued(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing trigger_id", `{"data":{"tool":"x"}}`},
		{"editor mismatch", `{"editor":"vscode","data":{"tool":"review_gate_chat","trigger_id":"a"}}`},
		{"system mismatch", `{"system":"other","data":{"tool":"review_gate_chat","trigger_id":"a"}}`},
		{"not json", `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			sink := &collectSink{}
			bus := events.NewBus()
			defer bus.Close()
			sub, cancel := bus.Subscribe(16)
			defer cancel()

			startWatcher(t, dir, sink, bus)
			writeFile(t, filepath.Join(dir, protocol.TriggerFile), tt.body)

			select {
			case ev := <-sub:
				if _, ok := ev.(events.TriggerRejected); !ok {
					t.Fatalf("expected TriggerRejected, got %#v", ev)
				}
			case <-time.After(time.Second):
				t.Fatal("no TriggerRejected event")
			}
			// Allow a couple of fallback polls.
			time.Sleep(150 * time.Millisecond)
			if n := len(sink.ids()); n != 0 {
				t.Errorf("expected no enqueue, got %d", n)
			}
			if _, err := os.Stat(protocol.AckFile(dir, "a")); err == nil {
				t.Error("no acknowledgement may exist for an invalid trigger")
			}
		})
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &collectSink{}
	startWatcher(t, dir, sink, nil)

	writeFile(t, filepath.Join(dir, "notes.json"), `{"data":{"tool":"review_gate_chat","trigger_id":"nope"}}`)
	writeFile(t, filepath.Join(dir, "review_gate_trigger_9.json"), `{"data":{"tool":"review_gate_chat","trigger_id":"nope"}}`)
	time.Sleep(150 * time.Millisecond)

	if n := len(sink.ids()); n != 0 {
		t.Errorf("expected unrelated files ignored, got %v", sink.ids())
	}
}

func TestWatcher_ProgressRelay(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()
	sub, cancel := bus.Subscribe(16)
	defer cancel()

	startWatcher(t, dir, &collectSink{}, bus)

	path := filepath.Join(dir, protocol.ProgressFile)
	writeFile(t, path, `{"system":"review-gate-v2","type":"progress_update","data":{"title":"Indexing","percentage":40,"step":"2/5","status":"running"}}`)

	select {
	case ev := <-sub:
		pu, ok := ev.(events.ProgressUpdated)
		if !ok {
			t.Fatalf("expected ProgressUpdated, got %#v", ev)
		}
		if pu.Title != "Indexing" || pu.Percentage != 40 || pu.Step != "2/5" {
			t.Errorf("unexpected progress %+v", pu)
		}
	case <-time.After(time.Second):
		t.Fatal("no ProgressUpdated event")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("progress file must be left in place: %v", err)
	}
}

func TestWatcher_LifecycleAndHealth(t *testing.T) {
	dir := t.TempDir()
	w := watcher.New(watcher.Config{Dir: dir}, &collectSink{}, nil, nil)
	if w.IsActive() {
		t.Fatal("watcher active before Initialize")
	}
	if err := w.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !w.IsActive() {
		t.Fatal("watcher inactive after Initialize")
	}
	if err := w.CheckHealth(context.Background()); err != nil {
		t.Errorf("unexpected health error: %v", err)
	}
	if _, ok := w.Metrics()["detected"]; !ok {
		t.Error("metrics missing detected counter")
	}
	if err := w.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if w.IsActive() {
		t.Error("watcher active after Dispose")
	}
}

func TestWatcher_MetricsDuringDispose(t *testing.T) {
	w := watcher.New(watcher.Config{Dir: t.TempDir()}, &collectSink{}, nil, nil)
	if err := w.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if on, _ := w.Metrics()["fsnotify"].(bool); !on {
		t.Fatal("fsnotify not reported after Initialize")
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = w.Metrics()
			}
		}
	}()
	if err := w.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	close(stop)
	<-done

	if on, _ := w.Metrics()["fsnotify"].(bool); on {
		t.Error("fsnotify still reported after Dispose")
	}
}

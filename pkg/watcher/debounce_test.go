package watcher //nolint:testpackage // exercises the unexported debounce and stamp cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reviewgate/pkg/protocol"
)

func TestSchedule_CollapsesBurst(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{Dir: dir, Debounce: 40 * time.Millisecond}, SinkFunc(func(*protocol.Trigger) error { return nil }), nil, nil)

	var calls atomic.Int32
	w.fire = func(string) { calls.Add(1) }

	path := filepath.Join(dir, protocol.TriggerFile)
	for i := 0; i < 20; i++ {
		w.schedule(path, kindModify)
		time.Sleep(time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 processing call for a burst, got %d", got)
	}
}

func TestSchedule_KeysAreIndependent(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{Dir: dir, Debounce: 20 * time.Millisecond}, SinkFunc(func(*protocol.Trigger) error { return nil }), nil, nil)

	var mu sync.Mutex
	seen := map[string]int{}
	w.fire = func(p string) {
		mu.Lock()
		seen[filepath.Base(p)]++
		mu.Unlock()
	}

	a := filepath.Join(dir, protocol.TriggerFile)
	b := filepath.Join(dir, "review_gate_trigger_0.json")
	w.schedule(a, kindCreate)
	w.schedule(a, kindModify)
	w.schedule(b, kindModify)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen[filepath.Base(a)] != 2 || seen[filepath.Base(b)] != 1 {
		t.Errorf("unexpected fire counts %v", seen)
	}
}

func TestSchedule_DisposeCancelsPending(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{Dir: dir, Debounce: 30 * time.Millisecond}, SinkFunc(func(*protocol.Trigger) error { return nil }), nil, nil)
	var calls atomic.Int32
	w.fire = func(string) { calls.Add(1) }

	w.schedule(filepath.Join(dir, protocol.TriggerFile), kindCreate)
	_ = w.Dispose(context.Background())
	time.Sleep(80 * time.Millisecond)

	if calls.Load() != 0 {
		t.Error("pending debounce fired after Dispose")
	}
}

func TestProcess_UnchangedFileNotReprocessed(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{Dir: dir}, SinkFunc(func(*protocol.Trigger) error { return nil }), nil, nil)
	w.active.Store(true)

	// The progress file is never removed, so its stamp is what keeps the
	// fallback poll from relaying it again.
	path := filepath.Join(dir, protocol.ProgressFile)
	body := []byte(`{"type":"progress_update","data":{"title":"Build","percentage":10}}`)
	mtime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	writeAt(t, path, body, mtime)

	w.process(path)
	w.process(path)
	if got := w.progressed.Load(); got != 1 {
		t.Fatalf("expected 1 relay for an unchanged file, got %d", got)
	}

	writeAt(t, path, body, mtime.Add(time.Second))
	w.process(path)
	if got := w.progressed.Load(); got != 2 {
		t.Errorf("expected a changed file to be relayed, got %d", got)
	}
}

func writeAt(t *testing.T, path string, body []byte, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

type idSink struct {
	mu   sync.Mutex
	ids  []string
	fail int // number of Enqueue calls to reject first
}

func (s *idSink) Enqueue(t *protocol.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("queue restarting")
	}
	s.ids = append(s.ids, t.ID())
	return nil
}

func (s *idSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestProcess_ConsumedPathAcceptsNewTrigger(t *testing.T) {
	dir := t.TempDir()
	sink := &idSink{}
	w := New(Config{Dir: dir}, sink, nil, nil)
	w.active.Store(true)

	path := filepath.Join(dir, protocol.TriggerFile)
	mtime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Same length ids and the same mtime give the same stamp.
	writeAt(t, path, []byte(`{"data":{"tool":"review_gate_chat","trigger_id":"aaaa01"}}`), mtime)
	w.process(path)
	writeAt(t, path, []byte(`{"data":{"tool":"review_gate_chat","trigger_id":"bbbb02"}}`), mtime)
	w.process(path)

	if got := sink.got(); len(got) != 2 || got[0] != "aaaa01" || got[1] != "bbbb02" {
		t.Fatalf("enqueued %v, want [aaaa01 bbbb02]", got)
	}
	w.mu.Lock()
	_, cached := w.seen[path]
	w.mu.Unlock()
	if cached {
		t.Error("removed trigger file left its stamp cached")
	}
}

func TestProcess_DuplicateTriggerIDEnqueuedOnce(t *testing.T) {
	dir := t.TempDir()
	sink := &idSink{}
	w := New(Config{Dir: dir, RecentTTL: time.Minute}, sink, nil, nil)
	w.active.Store(true)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w.nowFunc = func() time.Time { return now }

	body := []byte(`{"data":{"tool":"review_gate_chat","trigger_id":"abc123"}}`)
	files := protocol.TriggerFiles(dir, 3)
	for _, f := range files {
		if err := os.WriteFile(f, body, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		w.process(f)
	}

	if got := sink.got(); len(got) != 1 {
		t.Fatalf("trigger enqueued %d times, want 1: %v", len(got), got)
	}
	if w.duplicates.Load() != 3 {
		t.Errorf("duplicates = %d, want 3", w.duplicates.Load())
	}
	for _, f := range files {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("%s not removed", filepath.Base(f))
		}
	}

	// Past the window the id is accepted again.
	now = now.Add(2 * time.Minute)
	if err := os.WriteFile(files[0], body, 0o644); err != nil {
		t.Fatal(err)
	}
	w.process(files[0])
	if got := sink.got(); len(got) != 2 {
		t.Errorf("expired id not accepted, enqueued %v", got)
	}
}

func TestProcess_FailedEnqueueRetried(t *testing.T) {
	dir := t.TempDir()
	sink := &idSink{fail: 1}
	w := New(Config{Dir: dir}, sink, nil, nil)
	w.active.Store(true)

	path := filepath.Join(dir, protocol.TriggerFile)
	if err := os.WriteFile(path, []byte(`{"data":{"tool":"review_gate_chat","trigger_id":"later"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w.process(path)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("trigger removed although the sink rejected it: %v", err)
	}
	// The next scan sees the same stamp and tries again.
	w.process(path)
	if got := sink.got(); len(got) != 1 || got[0] != "later" {
		t.Fatalf("enqueued %v, want [later]", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("trigger not removed after a successful enqueue")
	}
}

func TestRemember_Bounded(t *testing.T) {
	w := New(Config{Dir: t.TempDir()}, SinkFunc(func(*protocol.Trigger) error { return nil }), nil, nil)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	w.nowFunc = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Millisecond) }

	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i < maxRecent+10; i++ {
		w.rememberLocked(fmt.Sprintf("id-%d", i))
	}
	if len(w.recent) != maxRecent {
		t.Fatalf("recent holds %d ids, want %d", len(w.recent), maxRecent)
	}
	if _, ok := w.recent["id-0"]; ok {
		t.Error("oldest id survived eviction")
	}
	if _, ok := w.recent[fmt.Sprintf("id-%d", maxRecent+9)]; !ok {
		t.Error("newest id evicted")
	}
}

func TestProcess_CacheUpdatedOnlyAfterValidation(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{Dir: dir}, SinkFunc(func(*protocol.Trigger) error { return nil }), nil, nil)
	w.active.Store(true)

	path := filepath.Join(dir, protocol.TriggerFile)
	if err := os.WriteFile(path, []byte(`{"data":{"tool":"x"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	w.process(path)

	w.mu.Lock()
	_, cached := w.seen[path]
	w.mu.Unlock()
	if cached {
		t.Error("invalid trigger must not enter the stamp cache")
	}
	if w.rejected.Load() != 1 {
		t.Errorf("expected 1 rejection, got %d", w.rejected.Load())
	}

	// Repeated polls of the same invalid file are not re-reported.
	w.process(path)
	if w.rejected.Load() != 1 {
		t.Errorf("unchanged invalid file re-reported: %d", w.rejected.Load())
	}
}

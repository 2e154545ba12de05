package gate_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/config"
	"reviewgate/pkg/events"
	"reviewgate/pkg/gate"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/response"
)

type fakePanel struct {
	mu      sync.Mutex
	posted  []gate.PanelMessage
	handler func(gate.PanelMessage)
	closed  bool
}

func (p *fakePanel) PostMessage(msg gate.PanelMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posted = append(p.posted, msg)
	return nil
}

func (p *fakePanel) OnMessage(h func(gate.PanelMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakePanel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// send plays the user.
func (p *fakePanel) send(msg gate.PanelMessage) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h(msg)
}

func (p *fakePanel) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.posted {
		out = append(out, m.Command)
	}
	return out
}

func (p *fakePanel) lastOf(cmd string) (gate.PanelMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.posted) - 1; i >= 0; i-- {
		if p.posted[i].Command == cmd {
			return p.posted[i], true
		}
	}
	return gate.PanelMessage{}, false
}

type note struct {
	text  string
	level gate.NotifyLevel
}

type fakeHost struct {
	mu       sync.Mutex
	panel    *fakePanel
	panels   int
	files    []string
	pickErr  error
	notes    []note
	onConfig func()
}

func (h *fakeHost) CreatePanel(string) (gate.Panel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panels++
	h.panel = &fakePanel{}
	return h.panel, nil
}

func (h *fakeHost) PickFiles(context.Context, gate.FileFilter) ([]string, error) {
	return h.files, h.pickErr
}

func (h *fakeHost) Notify(text string, level gate.NotifyLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, note{text, level})
}

func (h *fakeHost) OnConfigChange(_ string, cb func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConfig = cb
	return func() {}
}

func (h *fakeHost) currentPanel() *fakePanel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.panel
}

func (h *fakeHost) notesAt(level gate.NotifyLevel) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, n := range h.notes {
		if n.level == level {
			out = append(out, n.text)
		}
	}
	return out
}

type fakeSpeech struct {
	mu        sync.Mutex
	sessions  map[string]string // trigger -> session
	result    audio.Result
	startErr  error
	cancelled []string
}

func (s *fakeSpeech) StartRecording(_ context.Context, triggerID string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	id := "sess-" + triggerID
	s.sessions[triggerID] = id
	return id, nil
}

func (s *fakeSpeech) StopRecording(_ context.Context, sessionID string) (audio.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.result
	res.SessionID = sessionID
	return res, nil
}

func (s *fakeSpeech) Cancel(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, sessionID)
	return nil
}

func (s *fakeSpeech) SessionForTrigger(triggerID string) (audio.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[triggerID]
	return audio.Session{ID: id, TriggerID: triggerID}, ok
}

type harness struct {
	dir  string
	host *fakeHost
	bus  *events.Bus
	g    *gate.Gate
}

func newHarness(t *testing.T, speech gate.SpeechProvider, cfg gate.Config) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{dir: dir, host: &fakeHost{}, bus: events.NewBus()}
	h.g = gate.New(cfg, h.host, response.New(dir, nil), speech, h.bus, nil)
	if err := h.g.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = h.g.Dispose(context.Background())
		h.bus.Close()
	})
	return h
}

func trigger(t *testing.T, data string) *protocol.Trigger {
	t.Helper()
	tr, err := protocol.ParseTrigger("review_gate_trigger.json", []byte(`{"data":`+data+`}`), protocol.Filter{})
	if err != nil {
		t.Fatalf("ParseTrigger: %v", err)
	}
	return tr
}

func waitFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never appeared", filepath.Base(path))
	return nil
}

func readResponse(t *testing.T, dir, id string) protocol.Response {
	t.Helper()
	var r protocol.Response
	if err := json.Unmarshal(waitFile(t, protocol.ResponseFiles(dir, id)[0]), &r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestChatPromptAndSubmit(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	sub, cancel := h.bus.Subscribe(16)
	defer cancel()

	tr := trigger(t, `{"tool":"review_gate_chat","trigger_id":"abc123","message":"Ready?","title":"Check"}`)
	if err := h.g.Dispatch(context.Background(), tr); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var ack protocol.Acknowledgement
	if err := json.Unmarshal(waitFile(t, protocol.AckFile(h.dir, "abc123")), &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Acknowledged || ack.TriggerID != "abc123" || ack.ToolType != "review_gate_chat" {
		t.Errorf("unexpected ack %+v", ack)
	}

	panel := h.host.currentPanel()
	shown, ok := panel.lastOf(gate.CmdPrompt)
	if !ok || shown.Text != "Ready?" || shown.Title != "Check" || shown.TriggerID != "abc123" {
		t.Fatalf("prompt not shown: %+v", shown)
	}
	if got := h.g.Pending(); len(got) != 1 || got[0] != "abc123" {
		t.Errorf("Pending() = %v", got)
	}

	// No trigger id: answers the prompt on screen.
	panel.send(gate.PanelMessage{Command: gate.CmdSubmit, Text: "looks good"})

	r := readResponse(t, h.dir, "abc123")
	if r.UserInput != "looks good" || r.EventType != protocol.EventMCPResponse {
		t.Errorf("unexpected response %+v", r)
	}
	if len(h.g.Pending()) != 0 {
		t.Error("prompt should no longer be pending")
	}
	if _, ok := panel.lastOf(gate.CmdStatus); !ok {
		t.Error("expected a status message after submit")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if rw, ok := ev.(events.ResponseWritten); ok && rw.TriggerID == "abc123" {
				return
			}
		case <-deadline:
			t.Fatal("no ResponseWritten event")
		}
	}
}

func TestPanelReused(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	for _, id := range []string{"a", "b"} {
		if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"quick_review","trigger_id":"`+id+`","prompt":"?"}`)); err != nil {
			t.Fatal(err)
		}
	}
	if h.host.panels != 1 {
		t.Errorf("expected one panel, got %d", h.host.panels)
	}
	h.host.currentPanel().send(gate.PanelMessage{Command: gate.CmdSubmit, TriggerID: "a", Text: "first"})
	if r := readResponse(t, h.dir, "a"); r.UserInput != "first" {
		t.Errorf("response a = %+v", r)
	}
	if got := h.g.Pending(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Pending() = %v", got)
	}
}

func TestShutdownConfirmation(t *testing.T) {
	for _, tt := range []struct {
		answer    string
		confirmed bool
	}{{" confirm ", true}, {"no way", false}} {
		h := newHarness(t, nil, gate.Config{})
		sub, cancel := h.bus.Subscribe(16)

		if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"shutdown_mcp","trigger_id":"s1","reason":"done"}`)); err != nil {
			t.Fatal(err)
		}
		h.host.currentPanel().send(gate.PanelMessage{Command: gate.CmdSubmit, Text: tt.answer})

		r := readResponse(t, h.dir, "s1")
		if r.EventType != protocol.EventShutdown {
			t.Errorf("event type = %q", r.EventType)
		}
		got := false
		deadline := time.After(time.Second)
	wait:
		for {
			select {
			case ev := <-sub:
				if sr, ok := ev.(events.ShutdownResponse); ok {
					got = sr.Confirmed
					break wait
				}
			case <-deadline:
				t.Fatal("no ShutdownResponse event")
			}
		}
		if got != tt.confirmed {
			t.Errorf("answer %q: confirmed = %v", tt.answer, got)
		}
		cancel()
	}
}

func TestDispatch_UnknownToolIsValidationError(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"teleport","trigger_id":"x"}`))
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) || verr.Field != "tool" {
		t.Fatalf("expected tool ValidationError, got %v", err)
	}
	if _, err := os.Stat(protocol.AckFile(h.dir, "x")); !os.IsNotExist(err) {
		t.Error("unknown tools must not be acknowledged")
	}
}

func TestFileReview(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	src := filepath.Join(t.TempDir(), "main.go")
	if err := os.WriteFile(src, []byte("package main\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.host.files = []string{src}

	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"file_review","trigger_id":"f1","file_types":["*.go"]}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r := readResponse(t, h.dir, "f1")
	if r.EventType != protocol.EventFileReview || r.UserInput != src {
		t.Errorf("unexpected response %+v", r)
	}
	if len(r.Attachments) != 1 || r.Attachments[0].Size != int64(len("package main\n")) {
		t.Errorf("attachments = %+v", r.Attachments)
	}
}

func TestFileReview_PickerErrorIsRetryable(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	h.host.pickErr = errors.New("dialog crashed")
	err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"file_review","trigger_id":"f2"}`))
	var verr *protocol.ValidationError
	if err == nil || errors.As(err, &verr) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}

func TestSpeechStartStop(t *testing.T) {
	sp := &fakeSpeech{result: audio.Result{TriggerID: "v1", Transcript: "ship it"}}
	h := newHarness(t, func(context.Context) (gate.Speech, error) { return sp, nil }, gate.Config{})

	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"speech_start","trigger_id":"v1","max_duration":30}`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFile(t, protocol.AckFile(h.dir, "v1"))
	if _, ok := sp.SessionForTrigger("v1"); !ok {
		t.Fatal("recording not started")
	}

	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"speech_stop","trigger_id":"v1"}`)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r := readResponse(t, h.dir, "v1")
	if r.EventType != protocol.EventSpeech || r.UserInput != "ship it" {
		t.Errorf("unexpected response %+v", r)
	}
}

func TestSpeech_ServiceUnavailable(t *testing.T) {
	h := newHarness(t, func(context.Context) (gate.Speech, error) {
		return nil, errors.New("audio: restarts exhausted")
	}, gate.Config{})

	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"speech_start","trigger_id":"v2"}`)); err != nil {
		t.Fatalf("speech failures must not be returned to the queue: %v", err)
	}
	r := readResponse(t, h.dir, "v2")
	if r.EventType != protocol.EventRecordingError || !strings.Contains(r.UserInput, "service unavailable") {
		t.Errorf("unexpected response %+v", r)
	}
	if len(h.host.notesAt(gate.LevelError)) != 1 {
		t.Errorf("expected one error notification, got %v", h.host.notesAt(gate.LevelError))
	}
}

func TestSpeech_HintInFailure(t *testing.T) {
	sp := &fakeSpeech{startErr: &audio.HintedError{Hint: audio.HintPermission, Err: errors.New("sox: permission denied")}}
	h := newHarness(t, func(context.Context) (gate.Speech, error) { return sp, nil }, gate.Config{})

	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"speech_start","trigger_id":"v3"}`)); err != nil {
		t.Fatal(err)
	}
	r := readResponse(t, h.dir, "v3")
	if !strings.Contains(r.UserInput, audio.HintPermission.Message()) {
		t.Errorf("hint missing from %q", r.UserInput)
	}
}

func TestSpeechStop_NoSession(t *testing.T) {
	sp := &fakeSpeech{}
	h := newHarness(t, func(context.Context) (gate.Speech, error) { return sp, nil }, gate.Config{})
	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"speech_stop","trigger_id":"v4"}`)); err != nil {
		t.Fatal(err)
	}
	if r := readResponse(t, h.dir, "v4"); r.EventType != protocol.EventRecordingError {
		t.Errorf("event type = %q", r.EventType)
	}
}

func TestPanelDictation(t *testing.T) {
	sp := &fakeSpeech{result: audio.Result{TriggerID: "p1", Transcript: "dictated", Hint: audio.HintNone}}
	h := newHarness(t, func(context.Context) (gate.Speech, error) { return sp, nil }, gate.Config{})

	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"review_gate_chat","trigger_id":"p1"}`)); err != nil {
		t.Fatal(err)
	}
	panel := h.host.currentPanel()
	panel.send(gate.PanelMessage{Command: gate.CmdStartRecording})
	waitFor(t, func() bool { _, ok := panel.lastOf(gate.CmdRecordingStarted); return ok })

	panel.send(gate.PanelMessage{Command: gate.CmdStopRecording})
	waitFor(t, func() bool { _, ok := panel.lastOf(gate.CmdTranscription); return ok })

	msg, _ := panel.lastOf(gate.CmdTranscription)
	if msg.Text != "dictated" {
		t.Errorf("transcript = %q", msg.Text)
	}
	// Dictation fills the input; only submit answers the agent.
	if _, err := os.Stat(protocol.ResponseFiles(h.dir, "p1")[0]); !os.IsNotExist(err) {
		t.Error("dictation must not write a response")
	}
}

func TestCancel(t *testing.T) {
	sp := &fakeSpeech{}
	h := newHarness(t, func(context.Context) (gate.Speech, error) { return sp, nil }, gate.Config{})
	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"get_user_input","trigger_id":"c1"}`)); err != nil {
		t.Fatal(err)
	}
	panel := h.host.currentPanel()
	panel.send(gate.PanelMessage{Command: gate.CmdStartRecording, TriggerID: "c1"})
	waitFor(t, func() bool { _, ok := panel.lastOf(gate.CmdRecordingStarted); return ok })

	panel.send(gate.PanelMessage{Command: gate.CmdCancel, TriggerID: "c1"})

	r := readResponse(t, h.dir, "c1")
	if r.EventType != protocol.EventCancelled || r.UserInput != "" {
		t.Errorf("unexpected response %+v", r)
	}
	sp.mu.Lock()
	cancelled := append([]string(nil), sp.cancelled...)
	sp.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "sess-c1" {
		t.Errorf("cancelled = %v", cancelled)
	}
	if _, ok := panel.lastOf(gate.CmdDismiss); !ok {
		t.Error("panel should be dismissed")
	}
}

func TestSubmitWithoutPending(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	h.g.HandleMessage(gate.PanelMessage{Command: gate.CmdSubmit, Text: "hello?"})
	if len(h.host.notesAt(gate.LevelWarning)) != 1 {
		t.Errorf("expected a warning, got %v", h.host.notesAt(gate.LevelWarning))
	}
}

func TestProgressRelay(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"review_gate_chat","trigger_id":"g1"}`)); err != nil {
		t.Fatal(err)
	}
	panel := h.host.currentPanel()

	h.bus.Publish(events.ProgressUpdated{Title: "Indexing", Percentage: 40, Step: "2/5", Status: "running"})
	waitFor(t, func() bool { _, ok := panel.lastOf(gate.CmdProgress); return ok })

	msg, _ := panel.lastOf(gate.CmdProgress)
	if msg.Progress == nil || msg.Progress.Percentage != 40 || msg.Progress.Step != "2/5" {
		t.Errorf("unexpected progress %+v", msg.Progress)
	}
}

type levels struct {
	mu  sync.Mutex
	set []string
}

func (l *levels) SetLevel(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set = append(l.set, name)
}

func TestConfigReload(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	t.Setenv(config.EnvLogLevel, "")
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	lv := &levels{}
	h := newHarness(t, nil, gate.Config{ConfigPath: path, Levels: lv})
	sub, cancel := h.bus.Subscribe(8)
	defer cancel()

	h.host.mu.Lock()
	cb := h.host.onConfig
	h.host.mu.Unlock()
	if cb == nil {
		t.Fatal("gate did not register for config changes")
	}
	cb()

	lv.mu.Lock()
	got := append([]string(nil), lv.set...)
	lv.mu.Unlock()
	if len(got) != 1 || got[0] != "debug" {
		t.Errorf("levels set = %v", got)
	}
	select {
	case ev := <-sub:
		if cc, ok := ev.(events.ConfigChanged); !ok || cc.Path != path {
			t.Errorf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no ConfigChanged event")
	}

	// An invalid file is reported, not applied.
	if err := os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cb()
	if len(h.host.notesAt(gate.LevelWarning)) != 1 {
		t.Errorf("expected a warning for invalid config")
	}
}

func TestDisposeClosesPanel(t *testing.T) {
	h := newHarness(t, nil, gate.Config{})
	if err := h.g.Dispatch(context.Background(), trigger(t, `{"tool":"review_gate_chat","trigger_id":"d1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := h.g.Dispose(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.host.currentPanel().closed {
		t.Error("panel should be closed")
	}
	if h.g.IsActive() {
		t.Error("gate should be inactive")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

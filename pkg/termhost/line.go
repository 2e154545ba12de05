// Package termhost provides terminal implementations of gate.Host: a
// line-oriented host for pipes and plain terminals, and a full-screen
// bubbletea host for interactive sessions.
package termhost

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/gate"
	"reviewgate/pkg/logging"
)

// ErrInputClosed is returned once the host's input reaches EOF.
var ErrInputClosed = errors.New("input closed")

const lineHelp = "Type your answer and press enter. /rec dictates, /stop ends dictation, " +
	"/cancel dismisses the request, an empty line sends the last transcript."

// LineOptions configures a LineHost.
type LineOptions struct {
	ConfigPath string // watched for OnConfigChange; empty disables
	Theme      *Theme
	Width      int // prompt box width (default 72)
	Log        *zap.Logger
}

// LineHost reads answers line by line from an io.Reader. A single reader
// goroutine owns the input: lines go to a pending file pick first and to
// the panel otherwise.
type LineHost struct {
	in     io.Reader
	opts   LineOptions
	styles styles
	log    *zap.Logger

	outMu sync.Mutex
	out   io.Writer

	startOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	panel  *linePanel
	picker chan string
	draft  string // last transcript, sent on an empty line
}

// NewLineHost creates a host reading from in and writing to out.
func NewLineHost(in io.Reader, out io.Writer, opts LineOptions) *LineHost {
	theme := DefaultTheme()
	if opts.Theme != nil {
		theme = *opts.Theme
	}
	if opts.Width <= 0 {
		opts.Width = 72
	}
	return &LineHost{
		in:     in,
		out:    out,
		opts:   opts,
		styles: newStyles(theme),
		log:    logging.OrNop(opts.Log).Named("termhost"),
		done:   make(chan struct{}),
	}
}

// Done is closed once the input reaches EOF.
func (h *LineHost) Done() <-chan struct{} { return h.done }

func (h *LineHost) start() {
	h.startOnce.Do(func() { go h.readLoop() })
}

func (h *LineHost) readLoop() {
	defer close(h.done)
	sc := bufio.NewScanner(h.in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		h.route(sc.Text())
	}
	if err := sc.Err(); err != nil {
		h.log.Warn("read input", zap.Error(err))
	}

	h.mu.Lock()
	p := h.panel
	h.mu.Unlock()
	if p != nil {
		p.emit(gate.PanelMessage{Command: gate.CmdClosed})
	}
}

func (h *LineHost) route(line string) {
	h.mu.Lock()
	if h.picker != nil {
		ch := h.picker
		h.picker = nil
		h.mu.Unlock()
		ch <- line
		return
	}
	p := h.panel
	h.mu.Unlock()

	if p == nil {
		h.println(h.styles.muted.Render("No request is waiting for an answer."))
		return
	}
	p.emit(h.parse(line))
}

// parse turns an input line into a panel command.
func (h *LineHost) parse(line string) gate.PanelMessage {
	trimmed := strings.TrimSpace(line)
	switch strings.ToLower(trimmed) {
	case "/rec", "/record":
		return gate.PanelMessage{Command: gate.CmdStartRecording}
	case "/stop":
		return gate.PanelMessage{Command: gate.CmdStopRecording}
	case "/cancel":
		return gate.PanelMessage{Command: gate.CmdCancel}
	case "/help", "?":
		h.println(h.styles.muted.Render(lineHelp))
		return gate.PanelMessage{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if trimmed == "" {
		if h.draft == "" {
			return gate.PanelMessage{}
		}
		line = h.draft
	}
	h.draft = ""
	return gate.PanelMessage{Command: gate.CmdSubmit, Text: line}
}

func (h *LineHost) println(s string) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	_, _ = fmt.Fprintln(h.out, s)
}

// CreatePanel implements gate.Host. Only one panel exists at a time.
func (h *LineHost) CreatePanel(title string) (gate.Panel, error) {
	p := &linePanel{host: h, title: title}
	h.mu.Lock()
	h.panel = p
	h.mu.Unlock()
	h.println(h.styles.title.Render("── " + title + " ──"))
	h.start()
	return p, nil
}

// PickFiles implements gate.Host by asking for paths on the next line.
func (h *LineHost) PickFiles(ctx context.Context, filter gate.FileFilter) ([]string, error) {
	ch := make(chan string, 1)
	h.mu.Lock()
	if h.picker != nil {
		h.mu.Unlock()
		return nil, errors.New("a file selection is already in progress")
	}
	h.picker = ch
	h.mu.Unlock()

	h.println(h.styles.title.Render(filter.Title))
	if filter.Prompt != "" {
		h.println(filter.Prompt)
	}
	hint := "Enter file paths separated by spaces or commas"
	if len(filter.Extensions) > 0 {
		hint += " (" + strings.Join(filter.Extensions, ", ") + ")"
	}
	h.println(h.styles.muted.Render(hint + ":"))
	h.start()

	release := func() {
		h.mu.Lock()
		if h.picker == ch {
			h.picker = nil
		}
		h.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	case <-h.done:
		release()
		return nil, ErrInputClosed
	case line := <-ch:
		kept, rejected := splitPaths(line, filter.Extensions)
		for _, r := range rejected {
			h.println(h.styles.notify("skipping "+r+": file type not allowed", gate.LevelWarning))
		}
		if !filter.Multiple && len(kept) > 1 {
			kept = kept[:1]
		}
		for i, k := range kept {
			if abs, err := filepath.Abs(k); err == nil {
				kept[i] = abs
			}
		}
		return kept, nil
	}
}

// Notify implements gate.Host.
func (h *LineHost) Notify(text string, level gate.NotifyLevel) {
	h.println(h.styles.notify(text, level))
}

// OnConfigChange implements gate.Host by watching the configured file.
func (h *LineHost) OnConfigChange(_ string, cb func()) func() {
	return watchConfig(h.opts.ConfigPath, cb, h.log)
}

type linePanel struct {
	host  *LineHost
	title string

	mu      sync.Mutex
	handler func(gate.PanelMessage)
	closed  bool
}

func (p *linePanel) emit(msg gate.PanelMessage) {
	if msg.Command == "" {
		return
	}
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (p *linePanel) OnMessage(handler func(gate.PanelMessage)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *linePanel) PostMessage(msg gate.PanelMessage) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("panel is closed")
	}

	h := p.host
	s := h.styles
	switch msg.Command {
	case gate.CmdPrompt:
		h.println(s.promptBox(msg, h.opts.Width))
		h.println(s.muted.Render(lineHelp))
	case gate.CmdRecordingStarted:
		h.println(s.rec.Render("● recording") + s.muted.Render(" type /stop when done"))
	case gate.CmdTranscription:
		if msg.Text == "" {
			h.println(s.muted.Render("(no speech captured)"))
			break
		}
		h.mu.Lock()
		h.draft = msg.Text
		h.mu.Unlock()
		h.println(s.success.Render("transcript: ") + msg.Text)
		if m := audio.Hint(msg.Hint).Message(); m != "" {
			h.println(s.muted.Render(m))
		}
	case gate.CmdSpeechError:
		h.println(s.err.Render(msg.Text))
	case gate.CmdProgress:
		if msg.Progress != nil {
			h.println(progressBar(msg.Progress, 20))
		}
	case gate.CmdStatus:
		h.println(s.success.Render("✓ " + msg.Text))
	case gate.CmdDismiss:
		h.println(s.muted.Render("request " + msg.TriggerID + " dismissed"))
	default:
		return fmt.Errorf("unknown panel command %q", msg.Command)
	}
	return nil
}

func (p *linePanel) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	h := p.host
	h.mu.Lock()
	if h.panel == p {
		h.panel = nil
	}
	h.mu.Unlock()
	return nil
}

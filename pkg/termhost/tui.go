package termhost

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"reviewgate/pkg/gate"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
)

// ErrPickCancelled is returned when the user dismisses a file pick.
var ErrPickCancelled = errors.New("file selection cancelled")

// maxLogLines bounds the scrollback kept by the TUI.
const maxLogLines = 200

// TUIOptions configures a TUIHost.
type TUIOptions struct {
	ConfigPath string
	Theme      *Theme
	Log        *zap.Logger
	// ProgramOptions are appended to the defaults (alt screen).
	ProgramOptions []tea.ProgramOption
}

// TUIHost is a full-screen gate.Host. Run must be called for messages to
// be delivered; the gate's calls block until the program is running.
type TUIHost struct {
	opts TUIOptions
	prog *tea.Program
	log  *zap.Logger
	done chan struct{}

	mu    sync.Mutex
	panel *tuiPanel
}

// NewTUIHost creates the host and its bubbletea program.
func NewTUIHost(opts TUIOptions) *TUIHost {
	h := &TUIHost{
		opts: opts,
		log:  logging.OrNop(opts.Log).Named("termhost"),
		done: make(chan struct{}),
	}
	popts := append([]tea.ProgramOption{tea.WithAltScreen()}, opts.ProgramOptions...)
	h.prog = tea.NewProgram(newTUIModel(h), popts...)
	return h
}

// Run blocks until the user quits. Quitting closes the open panel.
func (h *TUIHost) Run() error {
	_, err := h.prog.Run()
	close(h.done)
	h.emit(gate.PanelMessage{Command: gate.CmdClosed})
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}

// Quit stops the program.
func (h *TUIHost) Quit() { h.prog.Quit() }

// Done is closed once the program has exited.
func (h *TUIHost) Done() <-chan struct{} { return h.done }

func (h *TUIHost) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *TUIHost) send(msg tea.Msg) {
	if h.prog != nil {
		h.prog.Send(msg)
	}
}

// emit delivers a user action to the open panel's handler.
func (h *TUIHost) emit(msg gate.PanelMessage) {
	h.mu.Lock()
	p := h.panel
	h.mu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// CreatePanel implements gate.Host.
func (h *TUIHost) CreatePanel(title string) (gate.Panel, error) {
	if h.exited() {
		return nil, errors.New("terminal ui has exited")
	}
	p := &tuiPanel{host: h}
	h.mu.Lock()
	h.panel = p
	h.mu.Unlock()
	h.send(panelOpenedMsg{title: title})
	return p, nil
}

// PickFiles implements gate.Host with an inline path prompt.
func (h *TUIHost) PickFiles(ctx context.Context, filter gate.FileFilter) ([]string, error) {
	if h.exited() {
		return nil, ErrInputClosed
	}
	req := &pickRequest{filter: filter, reply: make(chan pickResult, 1)}
	h.send(req)
	select {
	case <-ctx.Done():
		h.send(pickAbandonedMsg{req: req})
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrInputClosed
	case res := <-req.reply:
		return res.paths, res.err
	}
}

// Notify implements gate.Host.
func (h *TUIHost) Notify(text string, level gate.NotifyLevel) {
	if h.exited() {
		return
	}
	h.send(notifyMsg{text: text, level: level})
}

// OnConfigChange implements gate.Host by watching the configured file.
func (h *TUIHost) OnConfigChange(_ string, cb func()) func() {
	return watchConfig(h.opts.ConfigPath, cb, h.log)
}

type tuiPanel struct {
	host *TUIHost

	mu      sync.Mutex
	handler func(gate.PanelMessage)
	closed  bool
}

func (p *tuiPanel) OnMessage(handler func(gate.PanelMessage)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *tuiPanel) PostMessage(msg gate.PanelMessage) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.host.exited() {
		return errors.New("panel is closed")
	}
	p.host.send(panelMsg(msg))
	return nil
}

func (p *tuiPanel) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	h := p.host
	h.mu.Lock()
	if h.panel == p {
		h.panel = nil
	}
	h.mu.Unlock()
	if !h.exited() {
		h.send(panelClosedMsg{})
	}
	return nil
}

// Messages delivered to the model.
type (
	panelMsg       gate.PanelMessage
	panelOpenedMsg struct{ title string }
	panelClosedMsg struct{}
	notifyMsg      struct {
		text  string
		level gate.NotifyLevel
	}
	pickResult struct {
		paths []string
		err   error
	}
	pickRequest struct {
		filter gate.FileFilter
		reply  chan pickResult
	}
	pickAbandonedMsg struct{ req *pickRequest }
)

type tuiModel struct {
	host   *TUIHost
	styles styles

	title     string
	input     textinput.Model
	lines     []string
	prompt    *gate.PanelMessage
	recording bool
	progress  *protocol.ProgressData
	pick      *pickRequest

	width  int
	height int
}

func newTUIModel(h *TUIHost) tuiModel {
	theme := DefaultTheme()
	if h.opts.Theme != nil {
		theme = *h.opts.Theme
	}
	ti := textinput.New()
	ti.Placeholder = "Waiting for the agent…"
	ti.Prompt = "› "
	ti.Focus()
	return tuiModel{
		host:   h,
		styles: newStyles(theme),
		title:  "Review Gate",
		input:  ti,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m tuiModel) emit(msg gate.PanelMessage) tea.Cmd {
	h := m.host
	return func() tea.Msg {
		h.emit(msg)
		return nil
	}
}

func (m *tuiModel) addLine(s string) {
	m.lines = append(m.lines, s)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case panelOpenedMsg:
		m.title = msg.title
		return m, nil
	case panelClosedMsg:
		m.prompt = nil
		m.recording = false
		m.input.Placeholder = "Waiting for the agent…"
		return m, nil
	case panelMsg:
		m.handlePanelMessage(gate.PanelMessage(msg))
		return m, nil
	case notifyMsg:
		m.addLine(m.styles.notify(msg.text, msg.level))
		return m, nil
	case *pickRequest:
		if m.pick != nil {
			m.pick.reply <- pickResult{err: ErrPickCancelled}
		}
		m.pick = msg
		m.input.Reset()
		m.input.Placeholder = "paths separated by spaces or commas"
		m.addLine(m.styles.title.Render(msg.filter.Title))
		if msg.filter.Prompt != "" {
			m.addLine(msg.filter.Prompt)
		}
		return m, nil
	case pickAbandonedMsg:
		if m.pick == msg.req {
			m.pick = nil
			m.input.Placeholder = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *tuiModel) handlePanelMessage(msg gate.PanelMessage) {
	s := m.styles
	switch msg.Command {
	case gate.CmdPrompt:
		m.prompt = &msg
		m.input.Placeholder = "Type your answer"
		m.addLine(s.muted.Render("request " + msg.TriggerID + " from the agent"))
	case gate.CmdRecordingStarted:
		m.recording = true
	case gate.CmdTranscription:
		m.recording = false
		if msg.Text == "" {
			m.addLine(s.muted.Render("(no speech captured)"))
			return
		}
		// Put the transcript in the editor so it can be corrected.
		m.input.SetValue(msg.Text)
		m.input.CursorEnd()
		m.addLine(s.success.Render("transcript ready, press enter to send"))
	case gate.CmdSpeechError:
		m.recording = false
		m.addLine(s.err.Render(msg.Text))
	case gate.CmdProgress:
		m.progress = msg.Progress
	case gate.CmdStatus:
		m.addLine(s.success.Render("✓ " + msg.Text))
		m.clearPrompt(msg.TriggerID)
	case gate.CmdDismiss:
		m.addLine(s.muted.Render("request " + msg.TriggerID + " dismissed"))
		m.clearPrompt(msg.TriggerID)
	}
}

func (m *tuiModel) clearPrompt(id string) {
	if m.prompt != nil && (id == "" || m.prompt.TriggerID == id) {
		m.prompt = nil
		m.recording = false
		m.input.Reset()
		m.input.Placeholder = "Waiting for the agent…"
	}
}

func (m tuiModel) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter":
		if m.pick != nil {
			return m.finishPick(), nil
		}
		text := m.input.Value()
		if m.prompt == nil || strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.input.Reset()
		return m, m.emit(gate.PanelMessage{Command: gate.CmdSubmit, TriggerID: m.prompt.TriggerID, Text: text})
	case "ctrl+r":
		if m.prompt == nil {
			return m, nil
		}
		if m.recording {
			m.recording = false
			m.addLine(m.styles.muted.Render("transcribing…"))
			return m, m.emit(gate.PanelMessage{Command: gate.CmdStopRecording, TriggerID: m.prompt.TriggerID})
		}
		return m, m.emit(gate.PanelMessage{Command: gate.CmdStartRecording, TriggerID: m.prompt.TriggerID})
	case "esc":
		if m.pick != nil {
			m.pick.reply <- pickResult{err: ErrPickCancelled}
			m.pick = nil
			m.input.Reset()
			return m, nil
		}
		if m.prompt == nil {
			return m, nil
		}
		return m, m.emit(gate.PanelMessage{Command: gate.CmdCancel, TriggerID: m.prompt.TriggerID})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m tuiModel) finishPick() tuiModel {
	req := m.pick
	m.pick = nil
	kept, rejected := splitPaths(m.input.Value(), req.filter.Extensions)
	m.input.Reset()
	for _, r := range rejected {
		m.addLine(m.styles.notify("skipping "+r+": file type not allowed", gate.LevelWarning))
	}
	if !req.filter.Multiple && len(kept) > 1 {
		kept = kept[:1]
	}
	for i, k := range kept {
		if abs, err := filepath.Abs(k); err == nil {
			kept[i] = abs
		}
	}
	req.reply <- pickResult{paths: kept}
	return m
}

func (m tuiModel) View() string {
	s := m.styles
	var b strings.Builder

	header := s.title.Render(m.title)
	if m.recording {
		header += "  " + s.rec.Render("● REC")
	}
	b.WriteString(header + "\n\n")

	// Reserve room for the prompt, input and help lines.
	room := len(m.lines)
	if m.height > 0 {
		room = max(m.height-12, 3)
	}
	start := max(len(m.lines)-room, 0)
	for _, l := range m.lines[start:] {
		b.WriteString(l + "\n")
	}

	if m.prompt != nil {
		b.WriteString("\n" + s.promptBox(*m.prompt, m.width) + "\n")
	}
	if m.progress != nil {
		b.WriteString(progressBar(m.progress, 20) + "\n")
	}
	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(s.muted.Render(m.help()))
	return b.String()
}

func (m tuiModel) help() string {
	switch {
	case m.pick != nil:
		return "enter: select  esc: cancel  ctrl+c: quit"
	case m.recording:
		return "ctrl+r: stop recording  esc: cancel request  ctrl+c: quit"
	case m.prompt != nil:
		return "enter: send  ctrl+r: dictate  esc: cancel request  ctrl+c: quit"
	default:
		return "ctrl+c: quit"
	}
}

package termhost

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"reviewgate/pkg/gate"
	"reviewgate/pkg/protocol"
)

// Theme defines the colors used by both terminal hosts.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default palette.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

type styles struct {
	title   lipgloss.Style
	box     lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	rec     lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		box:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Primary).Padding(0, 1),
		muted:   lipgloss.NewStyle().Foreground(t.Muted).Italic(true),
		success: lipgloss.NewStyle().Foreground(t.Success),
		warning: lipgloss.NewStyle().Foreground(t.Warning),
		err:     lipgloss.NewStyle().Foreground(t.Error).Bold(true),
		rec:     lipgloss.NewStyle().Foreground(t.Error).Blink(true),
	}
}

func (s styles) notify(text string, level gate.NotifyLevel) string {
	switch level {
	case gate.LevelError:
		return s.err.Render("✗ " + text)
	case gate.LevelWarning:
		return s.warning.Render("! " + text)
	default:
		return s.muted.Render("· " + text)
	}
}

// promptBox renders a prompt for display.
func (s styles) promptBox(msg gate.PanelMessage, width int) string {
	var b strings.Builder
	b.WriteString(s.title.Render(msg.Title))
	if msg.Urgent {
		b.WriteString(" " + s.err.Render("URGENT"))
	}
	if msg.Text != "" {
		b.WriteString("\n" + msg.Text)
	}
	if msg.Context != "" {
		b.WriteString("\n\n" + s.muted.Render(msg.Context))
	}
	b.WriteString("\n" + s.muted.Render(fmt.Sprintf("%s · %s", msg.Tool, msg.TriggerID)))
	box := s.box
	if width > 4 {
		box = box.Width(width - 2)
	}
	return box.Render(b.String())
}

// progressBar renders "[#####-----] 50% title: step".
func progressBar(p *protocol.ProgressData, width int) string {
	pct := p.Percentage
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	out := fmt.Sprintf("[%s] %3.0f%% %s", bar, pct, p.Title)
	if p.Step != "" {
		out += ": " + p.Step
	}
	return out
}

// splitPaths parses a picker answer: paths separated by spaces or commas,
// filtered to the allowed extensions.
func splitPaths(line string, exts []string) (kept, rejected []string) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	for _, f := range fields {
		if allowed(f, exts) {
			kept = append(kept, f)
		} else {
			rejected = append(rejected, f)
		}
	}
	return kept, rejected
}

func allowed(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	for _, e := range exts {
		if e == "" || e == "*" || strings.EqualFold(strings.TrimPrefix(filepath.Ext(path), "."), e) {
			return true
		}
	}
	return false
}

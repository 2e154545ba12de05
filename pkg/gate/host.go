package gate

import (
	"context"
	"time"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/protocol"
)

// NotifyLevel is the severity of a host notification.
type NotifyLevel string

// Notification levels.
const (
	LevelInfo    NotifyLevel = "info"
	LevelWarning NotifyLevel = "warning"
	LevelError   NotifyLevel = "error"
)

// Panel commands. The first group flows gate -> panel, the second
// panel -> gate.
const (
	CmdPrompt           = "prompt"
	CmdRecordingStarted = "recording_started"
	CmdTranscription    = "transcription"
	CmdSpeechError      = "speech_error"
	CmdProgress         = "progress"
	CmdStatus           = "status"
	CmdDismiss          = "dismiss"

	CmdSubmit         = "submit"
	CmdStartRecording = "start_recording"
	CmdStopRecording  = "stop_recording"
	CmdCancel         = "cancel"
	CmdClosed         = "closed"
)

// PanelMessage is exchanged with the review panel in both directions.
// Text is the prompt body going out and the user's input coming back.
type PanelMessage struct {
	Command     string                 `json:"command"`
	TriggerID   string                 `json:"trigger_id,omitempty"`
	Tool        protocol.ToolName      `json:"tool,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Context     string                 `json:"context,omitempty"`
	Urgent      bool                   `json:"urgent,omitempty"`
	Attachments []protocol.Attachment  `json:"attachments,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Hint        string                 `json:"hint,omitempty"`
	Progress    *protocol.ProgressData `json:"progress,omitempty"`
}

// Panel is an open review panel.
type Panel interface {
	PostMessage(msg PanelMessage) error
	// OnMessage installs the handler for messages from the user. Handlers
	// may be called from any goroutine.
	OnMessage(handler func(PanelMessage))
	Close() error
}

// FileFilter narrows a file picker.
type FileFilter struct {
	Title      string
	Prompt     string
	Extensions []string // without dots; empty allows everything
	Multiple   bool
}

// Host is the editor or terminal surface the gate drives.
type Host interface {
	CreatePanel(title string) (Panel, error)
	PickFiles(ctx context.Context, filter FileFilter) ([]string, error)
	Notify(text string, level NotifyLevel)
	// OnConfigChange calls cb whenever settings under section change and
	// returns a function that stops watching.
	OnConfigChange(section string, cb func()) func()
}

// Speech is the part of the audio manager the gate uses.
type Speech interface {
	StartRecording(ctx context.Context, triggerID string, maxDuration time.Duration) (string, error)
	StopRecording(ctx context.Context, sessionID string) (audio.Result, error)
	Cancel(sessionID string) error
	SessionForTrigger(triggerID string) (audio.Session, bool)
}

// SpeechProvider resolves the (lazily constructed) speech service.
type SpeechProvider func(ctx context.Context) (Speech, error)

package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ToolName identifies the requested tool in a trigger's data block.
type ToolName string

// Tools understood by the gate. ToolSpeechToText is only ever written by
// this side (transcription requests) and is never dispatched.
const (
	ToolChat         ToolName = "review_gate_chat"
	ToolGetUserInput ToolName = "get_user_input"
	ToolQuickReview  ToolName = "quick_review"
	ToolFileReview   ToolName = "file_review"
	ToolIngestText   ToolName = "ingest_text"
	ToolShutdown     ToolName = "shutdown_mcp"
	ToolSpeechStart  ToolName = "speech_start"
	ToolSpeechStop   ToolName = "speech_stop"
	ToolSpeechToText ToolName = "speech_to_text"
)

// IsAudio reports whether the tool drives the recording pipeline rather
// than the prompt panel.
func (t ToolName) IsAudio() bool {
	return t == ToolSpeechStart || t == ToolSpeechStop
}

// Filter holds the expected envelope identity. Empty fields match anything.
type Filter struct {
	Editor string
	System string
}

// TriggerEnvelope is the on-disk trigger file.
type TriggerEnvelope struct {
	Editor              string          `json:"editor,omitempty"`
	System              string          `json:"system,omitempty"`
	Timestamp           string          `json:"timestamp,omitempty"`
	Data                json.RawMessage `json:"data"`
	PID                 int             `json:"pid,omitempty"`
	BackupID            *int            `json:"backup_id,omitempty"`
	ActiveWindow        bool            `json:"active_window,omitempty"`
	MCPIntegration      bool            `json:"mcp_integration,omitempty"`
	ImmediateActivation bool            `json:"immediate_activation,omitempty"`
}

// ToolCall is one decoded tool request. The concrete type is selected by
// the data block's "tool" field; unrecognized tools decode to UnknownCall.
type ToolCall interface {
	Tool() ToolName
	ID() string
	isToolCall()
}

// CallBase carries the fields every tool call shares.
type CallBase struct {
	ToolName            ToolName `json:"tool"`
	TriggerID           string   `json:"trigger_id"`
	Timestamp           string   `json:"timestamp,omitempty"`
	ImmediateActivation bool     `json:"immediate_activation,omitempty"`
}

// Tool returns the tool name.
func (b CallBase) Tool() ToolName { return b.ToolName }

// ID returns the trigger_id correlation key.
func (b CallBase) ID() string { return b.TriggerID }

func (CallBase) isToolCall() {}

// ChatCall opens the review chat panel.
type ChatCall struct {
	CallBase
	Message string `json:"message,omitempty"`
	Title   string `json:"title,omitempty"`
	Context string `json:"context,omitempty"`
	Urgent  bool   `json:"urgent,omitempty"`
}

// GetUserInputCall asks for any pending user input.
type GetUserInputCall struct {
	CallBase
	Message string `json:"message,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

// QuickReviewCall is a short single-answer prompt.
type QuickReviewCall struct {
	CallBase
	Prompt  string `json:"prompt,omitempty"`
	Context string `json:"context,omitempty"`
	Title   string `json:"title,omitempty"`
}

// FileReviewCall asks the user to select files.
type FileReviewCall struct {
	CallBase
	Instruction string   `json:"instruction,omitempty"`
	FileTypes   []string `json:"file_types,omitempty"`
	Title       string   `json:"title,omitempty"`
}

// IngestTextCall presents agent text and collects the user's reaction.
type IngestTextCall struct {
	CallBase
	TextContent    string `json:"text_content,omitempty"`
	Source         string `json:"source,omitempty"`
	Context        string `json:"context,omitempty"`
	ProcessingMode string `json:"processing_mode,omitempty"`
	Title          string `json:"title,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ShutdownCall asks the user to confirm an agent shutdown.
type ShutdownCall struct {
	CallBase
	Reason    string `json:"reason,omitempty"`
	Immediate bool   `json:"immediate,omitempty"`
	Cleanup   bool   `json:"cleanup,omitempty"`
	Title     string `json:"title,omitempty"`
}

// SpeechStartCall starts a recording session for the trigger.
type SpeechStartCall struct {
	CallBase
	MaxDurationSeconds float64 `json:"max_duration,omitempty"`
}

// SpeechStopCall stops the recording session for the trigger (or the
// explicit session) and transcribes it.
type SpeechStopCall struct {
	CallBase
	SessionID string `json:"session_id,omitempty"`
}

// UnknownCall preserves a tool this build does not recognize.
type UnknownCall struct {
	CallBase
	Fields map[string]json.RawMessage `json:"-"`
}

// Trigger is a validated trigger file.
type Trigger struct {
	Path   string
	Editor string
	System string
	Call   ToolCall
}

// ID returns the trigger_id.
func (t *Trigger) ID() string { return t.Call.ID() }

// Tool returns the tool name.
func (t *Trigger) Tool() ToolName { return t.Call.Tool() }

// shutdownConfirmations are the answers that confirm a shutdown request.
var shutdownConfirmations = map[string]bool{ //nolint:gochecknoglobals // immutable lookup
	"CONFIRM": true, "YES": true, "Y": true, "SHUTDOWN": true, "PROCEED": true,
}

// IsShutdownConfirmation reports whether input confirms a shutdown request.
func IsShutdownConfirmation(input string) bool {
	return shutdownConfirmations[strings.ToUpper(strings.TrimSpace(input))]
}

// ParseTrigger decodes and validates a trigger file. Any failure is a
// *ValidationError.
func ParseTrigger(path string, data []byte, f Filter) (*Trigger, error) {
	var env TriggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Path: path, Reason: "malformed JSON: " + err.Error()}
	}

	if env.Editor != "" && f.Editor != "" && env.Editor != f.Editor {
		return nil, &ValidationError{Path: path, Field: "editor", Reason: "expected " + f.Editor + ", got " + env.Editor}
	}
	if env.System != "" && f.System != "" && env.System != f.System {
		return nil, &ValidationError{Path: path, Field: "system", Reason: "expected " + f.System + ", got " + env.System}
	}

	raw := bytes.TrimSpace(env.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &ValidationError{Path: path, Field: "data", Reason: "missing"}
	}

	call, err := decodeCall(raw)
	if err != nil {
		return nil, &ValidationError{Path: path, Field: "data", Reason: err.Error()}
	}

	if strings.TrimSpace(string(call.Tool())) == "" {
		return nil, &ValidationError{Path: path, Field: "tool", Reason: "missing or empty"}
	}
	id := call.ID()
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Path: path, Field: "trigger_id", Reason: "missing or empty"}
	}
	// trigger_id is embedded in exchange filenames.
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, &ValidationError{Path: path, Field: "trigger_id", Reason: "must not contain path elements"}
	}

	return &Trigger{Path: path, Editor: env.Editor, System: env.System, Call: call}, nil
}

// decodeCall selects the concrete ToolCall by the "tool" field.
func decodeCall(raw []byte) (ToolCall, error) {
	var base CallBase
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}

	var call ToolCall
	switch base.ToolName {
	case ToolChat:
		call = &ChatCall{}
	case ToolGetUserInput:
		call = &GetUserInputCall{}
	case ToolQuickReview:
		call = &QuickReviewCall{}
	case ToolFileReview:
		call = &FileReviewCall{}
	case ToolIngestText:
		call = &IngestTextCall{}
	case ToolShutdown:
		call = &ShutdownCall{}
	case ToolSpeechStart:
		call = &SpeechStartCall{}
	case ToolSpeechStop:
		call = &SpeechStopCall{}
	default:
		unknown := &UnknownCall{CallBase: base}
		if err := json.Unmarshal(raw, &unknown.Fields); err != nil {
			return nil, err
		}
		return unknown, nil
	}

	if err := json.Unmarshal(raw, call); err != nil {
		return nil, err
	}
	return call, nil
}

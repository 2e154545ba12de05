package protocol

import (
	"strings"
	"time"
)

// TimestampFormat is used for every timestamp this side writes.
const TimestampFormat = time.RFC3339Nano

// Acknowledgement confirms to the agent that the prompt was shown.
type Acknowledgement struct {
	Acknowledged   bool   `json:"acknowledged"`
	Timestamp      string `json:"timestamp"`
	TriggerID      string `json:"trigger_id"`
	ToolType       string `json:"tool_type"`
	PopupActivated bool   `json:"popup_activated"`
}

// Attachment is a user-supplied file sent with a response.
type Attachment struct {
	ID         string `json:"id,omitempty"`
	FileName   string `json:"fileName"`
	MimeType   string `json:"mimeType"`
	Base64Data string `json:"base64Data,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// IsImage reports whether the attachment carries an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Response event types.
const (
	EventMCPResponse    = "MCP_RESPONSE"
	EventFileReview     = "FILE_REVIEW"
	EventSpeech         = "SPEECH_TRANSCRIPTION"
	EventShutdown       = "SHUTDOWN_RESPONSE"
	EventRecordingError = "RECORDING_ERROR"
	EventCancelled      = "USER_CANCELLED"
)

// Response carries the user's answer back to the agent. UserInput,
// Response and Message hold the same text so agents probing any of the
// three historical keys find it; Message additionally lists image
// attachments.
type Response struct {
	Timestamp   string       `json:"timestamp"`
	TriggerID   string       `json:"trigger_id"`
	UserInput   string       `json:"user_input"`
	Response    string       `json:"response"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments"`
	EventType   string       `json:"event_type"`
	Source      string       `json:"source"`
}

// NewResponse builds a response record stamped at now.
func NewResponse(now time.Time, triggerID, userInput string, attachments []Attachment, eventType string) Response {
	if attachments == nil {
		attachments = []Attachment{}
	}
	if eventType == "" {
		eventType = EventMCPResponse
	}
	return Response{
		Timestamp:   now.Format(TimestampFormat),
		TriggerID:   triggerID,
		UserInput:   userInput,
		Response:    userInput,
		Message:     describeAttachments(userInput, attachments),
		Attachments: attachments,
		EventType:   eventType,
		Source:      ResponseSource,
	}
}

// describeAttachments appends an "Attached:" line naming image attachments.
func describeAttachments(text string, attachments []Attachment) string {
	var names []string
	for _, a := range attachments {
		if a.IsImage() {
			name := a.FileName
			if name == "" {
				name = "unknown"
			}
			names = append(names, "Image: "+name)
		}
	}
	if len(names) == 0 {
		return text
	}
	return text + "\n\nAttached: " + strings.Join(names, ", ")
}

// Text returns the first non-empty text field, matching how agents read
// responses written by older extensions.
func (r Response) Text() string {
	for _, s := range []string{r.UserInput, r.Response, r.Message} {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}

// TranscriptionData is the data block of a transcription request.
type TranscriptionData struct {
	Tool      ToolName `json:"tool"`
	AudioFile string   `json:"audio_file"`
	TriggerID string   `json:"trigger_id"`
	Format    string   `json:"format"`
}

// TranscriptionRequest asks the agent to transcribe a recording.
type TranscriptionRequest struct {
	Timestamp      string            `json:"timestamp"`
	System         string            `json:"system"`
	Editor         string            `json:"editor"`
	Data           TranscriptionData `json:"data"`
	MCPIntegration bool              `json:"mcp_integration"`
}

// TranscriptionResponse is the agent's answer. Only Transcription is
// required; the rest are written by newer agents.
type TranscriptionResponse struct {
	Transcription string `json:"transcription"`
	TriggerID     string `json:"trigger_id,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	Error         string `json:"error,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Failed reports whether the agent flagged the transcription as failed.
func (r TranscriptionResponse) Failed() bool {
	return (r.Success != nil && !*r.Success) || r.Error != ""
}

// ProgressData is the data block of a progress update.
type ProgressData struct {
	Title      string  `json:"title"`
	Percentage float64 `json:"percentage"`
	Step       string  `json:"step"`
	Status     string  `json:"status"`
}

// ProgressUpdate is the agent's progress file.
type ProgressUpdate struct {
	Timestamp string       `json:"timestamp"`
	System    string       `json:"system,omitempty"`
	Type      string       `json:"type"`
	Data      ProgressData `json:"data"`
}

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	TriggerID string `json:"trigger_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

package protocol

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Identity values the agent stamps on trigger envelopes.
const (
	DefaultSystem = "review-gate-v2"
	DefaultEditor = "cursor"

	// ResponseSource is stamped on every response this side writes.
	ResponseSource = "review_gate_extension"

	// HomeDir is the user-level state directory (e.g., ~/.reviewgate).
	HomeDir = ".reviewgate"
)

// Exchange-directory filenames. Every request/response file is qualified by
// trigger_id except the primary trigger file and the generic response
// aliases kept for older agents.
const (
	TriggerFile         = "review_gate_trigger.json"
	triggerFallbackFmt  = "review_gate_trigger_%d.json"
	ackFileFmt          = "review_gate_ack_%s.json"
	responseFileFmt     = "review_gate_response_%s.json"
	GenericResponseFile = "review_gate_response.json"
	mcpResponseFileFmt  = "mcp_response_%s.json"
	GenericMCPResponse  = "mcp_response.json"
	speechTriggerFmt    = "review_gate_speech_trigger_%s.json"
	speechResponseFmt   = "review_gate_speech_response_%s.json"
	ProgressFile        = "review_gate_progress.json"
	AuditLogFile        = "review_gate_audit.jsonl"
	LogFile             = "review_gate_v2.log"

	// AudioFilePrefix and AudioFileExt bracket temp recording names.
	AudioFilePrefix = "review_gate_audio_"
	AudioFileExt    = ".wav"
)

// TriggerFiles returns the primary trigger filename followed by n numbered
// fallbacks, all joined to dir.
func TriggerFiles(dir string, fallbacks int) []string {
	out := make([]string, 0, fallbacks+1)
	out = append(out, filepath.Join(dir, TriggerFile))
	for i := 0; i < fallbacks; i++ {
		out = append(out, filepath.Join(dir, fmt.Sprintf(triggerFallbackFmt, i)))
	}
	return out
}

// AckFile returns the acknowledgement path for triggerID.
func AckFile(dir, triggerID string) string {
	return filepath.Join(dir, fmt.Sprintf(ackFileFmt, triggerID))
}

// ResponseFiles returns the canonical response path for triggerID followed
// by its legacy aliases, in the order agents probe them.
func ResponseFiles(dir, triggerID string) []string {
	return []string{
		filepath.Join(dir, fmt.Sprintf(responseFileFmt, triggerID)),
		filepath.Join(dir, GenericResponseFile),
		filepath.Join(dir, fmt.Sprintf(mcpResponseFileFmt, triggerID)),
		filepath.Join(dir, GenericMCPResponse),
	}
}

// SpeechRequestFile returns the transcription request path for triggerID.
func SpeechRequestFile(dir, triggerID string) string {
	return filepath.Join(dir, fmt.Sprintf(speechTriggerFmt, triggerID))
}

// SpeechResponseFile returns the transcription response path for triggerID.
func SpeechResponseFile(dir, triggerID string) string {
	return filepath.Join(dir, fmt.Sprintf(speechResponseFmt, triggerID))
}

// IsAudioFile reports whether name looks like a temp recording this side
// created.
func IsAudioFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, AudioFilePrefix) && strings.HasSuffix(base, AudioFileExt)
}

package audio

import (
	"errors"
	"io/fs"
	"os/exec"
	"strings"

	"reviewgate/pkg/protocol"
)

// Hint keys a troubleshooting message shown with speech failures.
type Hint string

// Hints.
const (
	HintNone          Hint = ""
	HintPermission    Hint = "permission"
	HintDeviceBusy    Hint = "device_busy"
	HintTimeout       Hint = "timeout"
	HintNotInstalled  Hint = "not_installed"
	HintNoSpeech      Hint = "no_speech"
	HintNoAudio       Hint = "no_audio"
	HintTranscription Hint = "transcription_failed"
)

var hintMessages = map[Hint]string{ //nolint:gochecknoglobals // immutable lookup
	HintPermission:    "Microphone access was denied. Grant the terminal or editor microphone permission and try again.",
	HintDeviceBusy:    "The microphone is in use by another application. Close it and try again.",
	HintTimeout:       "Speech processing timed out. Check that the agent is running and try a shorter recording.",
	HintNotInstalled:  "The recording tool is not installed. Install SoX (e.g. `brew install sox` or `apt install sox`).",
	HintNoSpeech:      "No speech was detected. Speak closer to the microphone and record for longer.",
	HintNoAudio:       "The recording produced no audio file. Check the default input device.",
	HintTranscription: "The agent could not transcribe the recording. Try again.",
}

// Message returns the troubleshooting text for h.
func (h Hint) Message() string {
	return hintMessages[h]
}

// Classify maps a recording failure and the recorder's stderr to a hint.
func Classify(err error, output string) Hint {
	if err == nil && output == "" {
		return HintNone
	}

	var terr *protocol.TimeoutError
	switch {
	case errors.As(err, &terr):
		return HintTimeout
	case errors.Is(err, exec.ErrNotFound):
		return HintNotInstalled
	case errors.Is(err, fs.ErrPermission):
		return HintPermission
	}

	text := strings.ToLower(output)
	if err != nil {
		text += " " + strings.ToLower(err.Error())
	}
	switch {
	case containsAny(text, "permission denied", "not permitted", "access denied", "not authorized"):
		return HintPermission
	case containsAny(text, "device or resource busy", "device busy", "in use", "resource temporarily unavailable"):
		return HintDeviceBusy
	case containsAny(text, "executable file not found", "command not found", "no such file or directory"):
		return HintNotInstalled
	case containsAny(text, "timed out", "timeout", "deadline exceeded"):
		return HintTimeout
	}
	return HintNone
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

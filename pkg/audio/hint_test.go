package audio_test

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"testing"
	"time"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		output string
		want   audio.Hint
	}{
		{"nothing", nil, "", audio.HintNone},
		{"timeout", &protocol.TimeoutError{Op: "transcription", After: time.Second}, "", audio.HintTimeout},
		{"not found", &exec.Error{Name: "sox", Err: exec.ErrNotFound}, "", audio.HintNotInstalled},
		{"permission error", fmt.Errorf("open: %w", fs.ErrPermission), "", audio.HintPermission},
		{"permission output", errors.New("exit status 2"), "sox FAIL: Permission denied", audio.HintPermission},
		{"busy", errors.New("exit status 2"), "can't open input: Device or resource busy", audio.HintDeviceBusy},
		{"shell not found", errors.New("exit status 127"), "sh: sox: command not found", audio.HintNotInstalled},
		{"unknown", errors.New("exit status 1"), "something odd", audio.HintNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Classify(tt.err, tt.output); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHintMessages(t *testing.T) {
	for _, h := range []audio.Hint{
		audio.HintPermission, audio.HintDeviceBusy, audio.HintTimeout, audio.HintNotInstalled,
		audio.HintNoSpeech, audio.HintNoAudio, audio.HintTranscription,
	} {
		if h.Message() == "" {
			t.Errorf("%s has no message", h)
		}
	}
	if audio.HintNone.Message() != "" {
		t.Error("HintNone should have no message")
	}
}

func TestHintOf(t *testing.T) {
	wrapped := fmt.Errorf("start: %w", &audio.HintedError{Hint: audio.HintDeviceBusy, Err: errors.New("boom")})
	if got := audio.HintOf(wrapped); got != audio.HintDeviceBusy {
		t.Errorf("HintOf() = %q", got)
	}
	if got := audio.HintOf(errors.New("permission denied")); got != audio.HintPermission {
		t.Errorf("HintOf() fallback = %q", got)
	}
}

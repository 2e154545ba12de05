package protocol_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"reviewgate/pkg/protocol"
)

func TestParseTrigger_Valid(t *testing.T) {
	data := []byte(`{
		"editor": "cursor",
		"system": "review-gate-v2",
		"timestamp": "2026-01-01T00:00:00Z",
		"data": {"tool": "review_gate_chat", "trigger_id": "abc123", "message": "Review?", "title": "Gate"}
	}`)

	trig, err := protocol.ParseTrigger("/x/review_gate_trigger.json", data, protocol.Filter{Editor: "cursor", System: "review-gate-v2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trig.ID() != "abc123" {
		t.Errorf("expected trigger_id abc123, got %q", trig.ID())
	}
	if trig.Tool() != protocol.ToolChat {
		t.Errorf("expected tool %q, got %q", protocol.ToolChat, trig.Tool())
	}
	chat, ok := trig.Call.(*protocol.ChatCall)
	if !ok {
		t.Fatalf("expected *ChatCall, got %T", trig.Call)
	}
	if chat.Message != "Review?" || chat.Title != "Gate" {
		t.Errorf("unexpected chat fields: %+v", chat)
	}
}

func TestParseTrigger_MinimalEnvelope(t *testing.T) {
	trig, err := protocol.ParseTrigger("t.json", []byte(`{"data":{"tool":"review_gate_chat","trigger_id":"abc123"}}`), protocol.Filter{Editor: "cursor"})
	if err != nil {
		t.Fatalf("missing editor should match any filter: %v", err)
	}
	if trig.Editor != "" {
		t.Errorf("expected empty editor, got %q", trig.Editor)
	}
}

func TestParseTrigger_Variants(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, call protocol.ToolCall)
	}{
		{
			name: "file_review",
			data: `{"data":{"tool":"file_review","trigger_id":"f1","instruction":"pick","file_types":["*.go","*.md"]}}`,
			check: func(t *testing.T, call protocol.ToolCall) {
				fr, ok := call.(*protocol.FileReviewCall)
				if !ok {
					t.Fatalf("expected *FileReviewCall, got %T", call)
				}
				if len(fr.FileTypes) != 2 || fr.Instruction != "pick" {
					t.Errorf("unexpected fields: %+v", fr)
				}
			},
		},
		{
			name: "shutdown",
			data: `{"data":{"tool":"shutdown_mcp","trigger_id":"s1","reason":"done","immediate":true}}`,
			check: func(t *testing.T, call protocol.ToolCall) {
				sc, ok := call.(*protocol.ShutdownCall)
				if !ok {
					t.Fatalf("expected *ShutdownCall, got %T", call)
				}
				if sc.Reason != "done" || !sc.Immediate {
					t.Errorf("unexpected fields: %+v", sc)
				}
			},
		},
		{
			name: "speech_start",
			data: `{"data":{"tool":"speech_start","trigger_id":"a1","max_duration":12.5}}`,
			check: func(t *testing.T, call protocol.ToolCall) {
				sc, ok := call.(*protocol.SpeechStartCall)
				if !ok {
					t.Fatalf("expected *SpeechStartCall, got %T", call)
				}
				if sc.MaxDurationSeconds != 12.5 {
					t.Errorf("expected max_duration 12.5, got %v", sc.MaxDurationSeconds)
				}
				if !sc.Tool().IsAudio() {
					t.Error("speech_start should be an audio tool")
				}
			},
		},
		{
			name: "unknown tool kept",
			data: `{"data":{"tool":"future_tool","trigger_id":"u1","extra":42}}`,
			check: func(t *testing.T, call protocol.ToolCall) {
				uc, ok := call.(*protocol.UnknownCall)
				if !ok {
					t.Fatalf("expected *UnknownCall, got %T", call)
				}
				if _, ok := uc.Fields["extra"]; !ok {
					t.Error("expected extra field preserved")
				}
				if uc.Tool() != "future_tool" {
					t.Errorf("expected tool future_tool, got %q", uc.Tool())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, err := protocol.ParseTrigger("t.json", []byte(tt.data), protocol.Filter{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, trig.Call)
		})
	}
}

func TestParseTrigger_Rejects(t *testing.T) {
	filter := protocol.Filter{Editor: "cursor", System: "review-gate-v2"}
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"malformed json", `{"data":`, ""},
		{"missing data", `{"editor":"cursor"}`, "data"},
		{"null data", `{"data":null}`, "data"},
		{"editor mismatch", `{"editor":"vscode","data":{"tool":"review_gate_chat","trigger_id":"a"}}`, "editor"},
		{"system mismatch", `{"system":"other","data":{"tool":"review_gate_chat","trigger_id":"a"}}`, "system"},
		{"empty tool", `{"data":{"tool":"","trigger_id":"a"}}`, "tool"},
		{"missing trigger_id", `{"data":{"tool":"review_gate_chat"}}`, "trigger_id"},
		{"blank trigger_id", `{"data":{"tool":"review_gate_chat","trigger_id":"   "}}`, "trigger_id"},
		{"path traversal", `{"data":{"tool":"review_gate_chat","trigger_id":"../etc"}}`, "trigger_id"},
		{"slash in id", `{"data":{"tool":"review_gate_chat","trigger_id":"a/b"}}`, "trigger_id"},
		{"data not object", `{"data":"hello"}`, "data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ParseTrigger("t.json", []byte(tt.data), filter)
			if err == nil {
				t.Fatal("expected error")
			}
			var ve *protocol.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %q, got %q (%v)", tt.field, ve.Field, err)
			}
		})
	}
}

func TestIsShutdownConfirmation(t *testing.T) {
	for _, in := range []string{"CONFIRM", "yes", " y ", "Shutdown", "proceed"} {
		if !protocol.IsShutdownConfirmation(in) {
			t.Errorf("expected %q to confirm", in)
		}
	}
	for _, in := range []string{"", "no", "maybe", "confirmed"} {
		if protocol.IsShutdownConfirmation(in) {
			t.Errorf("expected %q not to confirm", in)
		}
	}
}

func TestFileNames(t *testing.T) {
	dir := "/tmp/x"

	files := protocol.TriggerFiles(dir, 3)
	want := []string{
		"review_gate_trigger.json",
		"review_gate_trigger_0.json",
		"review_gate_trigger_1.json",
		"review_gate_trigger_2.json",
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d trigger files, got %d", len(want), len(files))
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Errorf("trigger file %d: expected %s, got %s", i, want[i], filepath.Base(f))
		}
	}

	if got := filepath.Base(protocol.AckFile(dir, "abc")); got != "review_gate_ack_abc.json" {
		t.Errorf("unexpected ack file %s", got)
	}

	resp := protocol.ResponseFiles(dir, "abc")
	if len(resp) != 4 {
		t.Fatalf("expected 4 response paths, got %d", len(resp))
	}
	if filepath.Base(resp[0]) != "review_gate_response_abc.json" {
		t.Errorf("canonical response must come first, got %s", resp[0])
	}

	if !protocol.IsAudioFile("/tmp/review_gate_audio_1_abc.wav") {
		t.Error("expected audio file match")
	}
	if protocol.IsAudioFile("/tmp/notes.wav") {
		t.Error("unexpected audio file match")
	}
}

func TestNewResponse_AliasesAndAttachments(t *testing.T) {
	resp := protocol.NewResponse(
		fixedNow(),
		"abc",
		"looks good",
		[]protocol.Attachment{
			{FileName: "shot.png", MimeType: "image/png"},
			{FileName: "notes.txt", MimeType: "text/plain"},
		},
		"",
	)

	if resp.UserInput != "looks good" || resp.Response != "looks good" {
		t.Errorf("expected text aliases, got %+v", resp)
	}
	if !strings.Contains(resp.Message, "Attached: Image: shot.png") {
		t.Errorf("expected image description in message, got %q", resp.Message)
	}
	if strings.Contains(resp.Message, "notes.txt") {
		t.Errorf("non-image attachment should not be described, got %q", resp.Message)
	}
	if resp.EventType != protocol.EventMCPResponse {
		t.Errorf("expected default event type, got %q", resp.EventType)
	}
	if resp.Source != protocol.ResponseSource {
		t.Errorf("expected source %q, got %q", protocol.ResponseSource, resp.Source)
	}
	if resp.Text() != "looks good" {
		t.Errorf("unexpected Text(): %q", resp.Text())
	}
}

func TestNewResponse_NilAttachmentsSerializeAsEmpty(t *testing.T) {
	resp := protocol.NewResponse(fixedNow(), "abc", "", nil, protocol.EventSpeech)
	if resp.Attachments == nil {
		t.Fatal("attachments must be non-nil so the record carries []")
	}
}

func TestTranscriptionResponse_Failed(t *testing.T) {
	no := false
	yes := true
	tests := []struct {
		name string
		resp protocol.TranscriptionResponse
		want bool
	}{
		{"text only", protocol.TranscriptionResponse{Transcription: "hi"}, false},
		{"explicit success", protocol.TranscriptionResponse{Success: &yes}, false},
		{"explicit failure", protocol.TranscriptionResponse{Success: &no}, true},
		{"error string", protocol.TranscriptionResponse{Error: "model unavailable"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.Failed(); got != tt.want {
				t.Errorf("Failed() = %v, want %v", got, tt.want)
			}
		})
	}
}

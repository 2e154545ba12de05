package response_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reviewgate/pkg/protocol"
	"reviewgate/pkg/response"
)

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestAcknowledge(t *testing.T) {
	dir := t.TempDir()
	w := response.New(dir, nil)

	if err := w.Acknowledge("abc123", protocol.ToolChat); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	var raw map[string]any
	readJSON(t, filepath.Join(dir, "review_gate_ack_abc123.json"), &raw)
	if raw["acknowledged"] != true || raw["popup_activated"] != true {
		t.Errorf("unexpected flags: %v", raw)
	}
	if raw["trigger_id"] != "abc123" || raw["tool_type"] != "review_gate_chat" {
		t.Errorf("unexpected ids: %v", raw)
	}
	if _, ok := raw["timestamp"].(string); !ok {
		t.Error("timestamp missing")
	}
}

func TestRespond_WritesEveryAlias(t *testing.T) {
	dir := t.TempDir()
	w := response.New(dir, nil)

	rec, err := w.Respond("abc123", "ship it", []protocol.Attachment{{FileName: "a.png", MimeType: "image/png"}}, "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if rec.EventType != protocol.EventMCPResponse {
		t.Errorf("unexpected event type %q", rec.EventType)
	}

	for _, name := range []string{
		"review_gate_response_abc123.json",
		"review_gate_response.json",
		"mcp_response_abc123.json",
		"mcp_response.json",
	} {
		var raw map[string]any
		readJSON(t, filepath.Join(dir, name), &raw)
		for _, key := range []string{"timestamp", "trigger_id", "user_input", "response", "message", "attachments", "event_type", "source"} {
			if _, ok := raw[key]; !ok {
				t.Errorf("%s: missing key %q", name, key)
			}
		}
		if raw["user_input"] != "ship it" || raw["trigger_id"] != "abc123" {
			t.Errorf("%s: unexpected content %v", name, raw)
		}
		if raw["source"] != protocol.ResponseSource {
			t.Errorf("%s: unexpected source %v", name, raw["source"])
		}
	}

	// No temp files may be left behind by the atomic writes.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 4 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected exactly 4 files, got %v", names)
	}
}

func TestRespond_ReportsIOError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	w := response.New(dir, nil)

	_, err := w.Respond("abc", "x", nil, "")
	var ioErr *protocol.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %T: %v", err, err)
	}
}

func TestAppendAudit(t *testing.T) {
	dir := t.TempDir()
	w := response.New(dir, nil)

	w.AppendAudit(protocol.AuditEntry{Event: "trigger_received", TriggerID: "a", Tool: "review_gate_chat"})
	w.Audit("response_sent", "a", protocol.ToolChat, "%d chars", 12)

	f, err := os.Open(filepath.Join(dir, protocol.AuditLogFile))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var lines []protocol.AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e protocol.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}
	if lines[1].Detail != "12 chars" || lines[1].Event != "response_sent" {
		t.Errorf("unexpected entry %+v", lines[1])
	}
	if lines[0].Timestamp == "" {
		t.Error("timestamp not filled")
	}
}

func TestAppendAudit_FailureIsSwallowed(t *testing.T) {
	w := response.New(filepath.Join(t.TempDir(), "nope", "deeper"), nil)
	// Must not panic or block.
	w.AppendAudit(protocol.AuditEntry{Event: "x"})
}

func TestWriteJSON_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.json")
	if err := response.WriteJSON(path, map[string]string{"v": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := response.WriteJSON(path, map[string]string{"v": "2"}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"2"`) {
		t.Errorf("expected replaced content, got %s", data)
	}
}

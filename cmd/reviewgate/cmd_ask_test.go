package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"reviewgate/pkg/protocol"
	"reviewgate/pkg/response"
)

func TestBuildCall(t *testing.T) {
	tests := []struct {
		name string
		ac   askConfig
		want protocol.ToolName
		err  bool
	}{
		{"chat", askConfig{tool: "chat", title: "T"}, protocol.ToolChat, false},
		{"input", askConfig{tool: "input"}, protocol.ToolGetUserInput, false},
		{"quick", askConfig{tool: "quick"}, protocol.ToolQuickReview, false},
		{"file", askConfig{tool: "file", fileTypes: []string{"go"}}, protocol.ToolFileReview, false},
		{"ingest", askConfig{tool: "ingest", context: "some text"}, protocol.ToolIngestText, false},
		{"ingest without text", askConfig{tool: "ingest"}, "", true},
		{"shutdown", askConfig{tool: "shutdown", urgent: true}, protocol.ToolShutdown, false},
		{"unknown", askConfig{tool: "speech"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := buildCall(tt.ac, "hello")
			if tt.err {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if call.Tool() != tt.want {
				t.Errorf("tool = %q, want %q", call.Tool(), tt.want)
			}
		})
	}

	call, _ := buildCall(askConfig{tool: "shutdown", urgent: true}, "done")
	if sc, ok := call.(*protocol.ShutdownCall); !ok || !sc.Immediate || sc.Reason != "done" {
		t.Errorf("shutdown call = %#v", call)
	}
}

// fakeGate answers the first trigger that appears in dir.
func fakeGate(t *testing.T, dir, answer, eventType string) {
	t.Helper()
	w := response.New(dir, nil)
	go func() {
		path := protocol.TriggerFiles(dir, 0)[0]
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			data, err := os.ReadFile(path)
			if err == nil {
				trig, err := protocol.ParseTrigger(path, data, protocol.Filter{})
				if err != nil {
					return
				}
				_ = os.Remove(path)
				_ = w.Acknowledge(trig.ID(), trig.Tool())
				_, _ = w.Respond(trig.ID(), answer, nil, eventType)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestRunAsk(t *testing.T) {
	cfg := testConfig(t)
	fakeGate(t, cfg.ExchangeDir, "approved", protocol.EventMCPResponse)

	call, _ := buildCall(askConfig{tool: "chat"}, "Ship it?")
	var buf bytes.Buffer
	ac := askConfig{ackTimeout: 5 * time.Second, timeout: 5 * time.Second}
	if err := runAsk(context.Background(), cfg, ac, call, &buf); err != nil {
		t.Fatalf("runAsk: %v", err)
	}
	if !strings.Contains(buf.String(), "approved") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestRunAskShutdown(t *testing.T) {
	cfg := testConfig(t)
	fakeGate(t, cfg.ExchangeDir, "CONFIRM", protocol.EventShutdown)

	call, _ := buildCall(askConfig{tool: "shutdown"}, "all done")
	var buf bytes.Buffer
	if err := runAsk(context.Background(), cfg, askConfig{ackTimeout: 5 * time.Second, timeout: 5 * time.Second}, call, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "shutdown confirmed: true") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestRunAskNoGate(t *testing.T) {
	cfg := testConfig(t)
	call, _ := buildCall(askConfig{tool: "chat"}, "anyone?")
	var buf bytes.Buffer
	err := runAsk(context.Background(), cfg, askConfig{ackTimeout: 50 * time.Millisecond, timeout: time.Second}, call, &buf)
	if err == nil || !strings.Contains(err.Error(), "reviewgate serve") {
		t.Fatalf("err = %v, want a hint about serve", err)
	}
}

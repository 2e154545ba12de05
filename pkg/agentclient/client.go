// Package agentclient is the agent side of the exchange-directory
// protocol: it writes trigger files and waits for the acknowledgement and
// the user's response.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/response"
)

var (
	// ErrNotAcknowledged is returned when the ack file says the prompt was
	// not shown.
	ErrNotAcknowledged = errors.New("trigger not acknowledged")
	// ErrCancelled is returned when the user dismissed the request.
	ErrCancelled = errors.New("request cancelled by the user")
)

// Config configures a Client.
type Config struct {
	Dir          string // exchange directory
	System       string // default protocol.DefaultSystem
	Editor       string // default protocol.DefaultEditor
	Backups      int    // numbered fallback trigger files written alongside (0 disables)
	PollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Dir == "" {
		out.Dir = os.TempDir()
	}
	if out.System == "" {
		out.System = protocol.DefaultSystem
	}
	if out.Editor == "" {
		out.Editor = protocol.DefaultEditor
	}
	if out.PollInterval == 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	return out
}

// Client talks to a running gate through the exchange directory.
type Client struct {
	cfg Config
	log *zap.Logger
	seq atomic.Int64

	nowFunc func() time.Time
}

// New creates a client.
func New(cfg Config, log *zap.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     logging.OrNop(log).Named("agentclient"),
		nowFunc: time.Now,
	}
}

// NewTriggerID returns a fresh id with the given prefix, e.g. "review".
func (c *Client) NewTriggerID(prefix string) string {
	if prefix == "" {
		prefix = "review"
	}
	// The sequence keeps ids unique within one millisecond.
	n := c.seq.Add(1)
	return fmt.Sprintf("%s_%d_%d", prefix, c.nowFunc().UnixMilli(), n)
}

// Trigger writes the trigger file for call and returns its id. The call's
// trigger id is assigned when empty.
func (c *Client) Trigger(call protocol.ToolCall) (string, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("encode tool call: %w", err)
	}
	var probe struct {
		Tool      string `json:"tool"`
		TriggerID string `json:"trigger_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("encode tool call: %w", err)
	}
	if probe.Tool == "" {
		return "", &protocol.ValidationError{Field: "tool", Reason: "tool call has no tool name"}
	}
	id := probe.TriggerID
	if id == "" {
		id = c.NewTriggerID(strings.SplitN(probe.Tool, "_", 2)[0])
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return "", fmt.Errorf("encode tool call: %w", err)
		}
		fields["trigger_id"], _ = json.Marshal(id)
		if data, err = json.Marshal(fields); err != nil {
			return "", fmt.Errorf("encode tool call: %w", err)
		}
	}

	env := protocol.TriggerEnvelope{
		Editor:              c.cfg.Editor,
		System:              c.cfg.System,
		Timestamp:           c.nowFunc().Format(protocol.TimestampFormat),
		Data:                data,
		PID:                 os.Getpid(),
		ActiveWindow:        true,
		MCPIntegration:      true,
		ImmediateActivation: true,
	}
	files := protocol.TriggerFiles(c.cfg.Dir, c.cfg.Backups)
	if err := response.WriteJSON(files[0], env); err != nil {
		return "", err
	}
	for i, f := range files[1:] {
		backup := env
		backup.BackupID = &i
		backup.PID = 0
		if err := response.WriteJSON(f, backup); err != nil {
			// The primary file is already out; backups are best effort.
			c.log.Warn("write backup trigger", zap.String("path", f), zap.Error(err))
		}
	}
	c.log.Info("trigger written", zap.String("trigger_id", id), zap.String("tool", probe.Tool))
	return id, nil
}

// WaitAck polls for the acknowledgement of triggerID, deleting it once read.
func (c *Client) WaitAck(ctx context.Context, triggerID string) (protocol.Acknowledgement, error) {
	path := protocol.AckFile(c.cfg.Dir, triggerID)
	var ack protocol.Acknowledgement
	err := c.poll(ctx, "acknowledgement", func() (bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return false, nil //nolint:nilerr // not written yet
		}
		if err := json.Unmarshal(data, &ack); err != nil {
			// Possibly a partial write; look again next tick.
			c.log.Debug("unreadable ack", zap.String("path", path), zap.Error(err))
			return false, nil
		}
		_ = os.Remove(path)
		return true, nil
	})
	if err != nil {
		return ack, err
	}
	if !ack.Acknowledged {
		return ack, ErrNotAcknowledged
	}
	return ack, nil
}

// WaitResponse polls every response alias for triggerID's answer. Files
// naming another trigger are left alone; plain-text files are accepted as
// the answer. The consumed file and its aliases are deleted.
func (c *Client) WaitResponse(ctx context.Context, triggerID string) (protocol.Response, error) {
	paths := protocol.ResponseFiles(c.cfg.Dir, triggerID)
	var resp protocol.Response
	err := c.poll(ctx, "response", func() (bool, error) {
		for _, p := range paths {
			r, ok := c.readResponse(p, triggerID)
			if !ok {
				continue
			}
			c.consume(paths, triggerID)
			if r.EventType == protocol.EventCancelled {
				resp = r
				return true, ErrCancelled
			}
			if strings.TrimSpace(r.Text()) == "" && len(r.Attachments) == 0 {
				c.log.Warn("empty response, still waiting", zap.String("path", p))
				continue
			}
			resp = r
			return true, nil
		}
		return false, nil
	})
	return resp, err
}

func (c *Client) readResponse(path, triggerID string) (protocol.Response, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Response{}, false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return protocol.Response{}, false
	}
	if !strings.HasPrefix(text, "{") {
		return protocol.Response{TriggerID: triggerID, UserInput: text, Response: text, Message: text}, true
	}
	var r protocol.Response
	if err := json.Unmarshal(data, &r); err != nil {
		c.log.Debug("unreadable response", zap.String("path", path), zap.Error(err))
		return protocol.Response{}, false
	}
	if r.TriggerID != "" && r.TriggerID != triggerID {
		c.log.Debug("response for another trigger", zap.String("path", path), zap.String("got", r.TriggerID))
		return protocol.Response{}, false
	}
	return r, true
}

// consume removes every alias that still carries triggerID's answer.
func (c *Client) consume(paths []string, triggerID string) {
	for _, p := range paths {
		if _, ok := c.readResponse(p, triggerID); ok {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.log.Warn("remove response", zap.String("path", p), zap.Error(err))
			}
		}
	}
}

// Progress writes the progress file the gate relays to the panel.
func (c *Client) Progress(p protocol.ProgressData) error {
	return response.WriteJSON(c.progressPath(), protocol.ProgressUpdate{
		Timestamp: c.nowFunc().Format(protocol.TimestampFormat),
		System:    c.cfg.System,
		Type:      "progress_update",
		Data:      p,
	})
}

// ClearProgress removes the progress file.
func (c *Client) ClearProgress() error {
	if err := os.Remove(c.progressPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &protocol.IOError{Op: "clear progress", Path: c.progressPath(), Err: err}
	}
	return nil
}

func (c *Client) progressPath() string {
	return filepath.Join(c.cfg.Dir, protocol.ProgressFile)
}

// poll calls check every PollInterval until it reports done or ctx ends.
func (c *Client) poll(ctx context.Context, what string, check func() (bool, error)) error {
	start := c.nowFunc()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if done, err := check(); done {
			return err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &protocol.TimeoutError{Op: "wait for " + what, After: c.nowFunc().Sub(start)}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package response writes the outbound half of the exchange protocol:
// acknowledgements, response records under every alias the agent may
// poll, and the append-only audit log.
package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"

	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
)

// WriteJSON marshals v and replaces path atomically, so a polling reader
// never sees a partial record.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &protocol.IOError{Op: "encode", Path: path, Err: err}
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return &protocol.IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Writer writes records into one exchange directory.
type Writer struct {
	dir       string
	auditPath string
	log       *zap.Logger
	nowFunc   func() time.Time

	auditMu sync.Mutex
}

// New creates a writer for dir. The audit log lives in the same directory.
func New(dir string, log *zap.Logger) *Writer {
	return &Writer{
		dir:       dir,
		auditPath: filepath.Join(dir, protocol.AuditLogFile),
		log:       logging.OrNop(log).Named("response"),
		nowFunc:   time.Now,
	}
}

// Dir returns the exchange directory.
func (w *Writer) Dir() string { return w.dir }

// Acknowledge tells the agent its prompt is on screen.
func (w *Writer) Acknowledge(triggerID string, tool protocol.ToolName) error {
	ack := protocol.Acknowledgement{
		Acknowledged:   true,
		Timestamp:      w.nowFunc().Format(protocol.TimestampFormat),
		TriggerID:      triggerID,
		ToolType:       string(tool),
		PopupActivated: true,
	}
	path := protocol.AckFile(w.dir, triggerID)
	if err := WriteJSON(path, ack); err != nil {
		return err
	}
	w.log.Debug("acknowledged", zap.String("trigger_id", triggerID), zap.String("tool", string(tool)))
	return nil
}

// Respond builds the response record and writes it to the canonical file
// and every legacy alias. Each file is replaced atomically but the set is
// not: a reader may briefly see the canonical file before an alias. All
// aliases are attempted even when one fails.
func (w *Writer) Respond(triggerID, userInput string, attachments []protocol.Attachment, eventType string) (protocol.Response, error) {
	rec := protocol.NewResponse(w.nowFunc(), triggerID, userInput, attachments, eventType)

	var errs []error
	written := 0
	for _, path := range protocol.ResponseFiles(w.dir, triggerID) {
		if err := WriteJSON(path, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	if len(errs) > 0 {
		err := &protocol.IOError{Op: "write response", Path: w.dir, Err: errors.Join(errs...)}
		w.log.Error("response write incomplete",
			zap.String("trigger_id", triggerID),
			zap.Int("written", written),
			zap.Error(err))
		return rec, err
	}

	w.log.Info("response written",
		zap.String("trigger_id", triggerID),
		zap.String("event_type", rec.EventType),
		zap.Int("attachments", len(rec.Attachments)))
	return rec, nil
}

// AppendAudit appends one JSON line to the audit log. Failures are logged
// and swallowed.
func (w *Writer) AppendAudit(entry protocol.AuditEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = w.nowFunc().Format(protocol.TimestampFormat)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		w.log.Warn("encode audit entry", zap.Error(err))
		return
	}
	line = append(line, '\n')

	w.auditMu.Lock()
	defer w.auditMu.Unlock()

	f, err := os.OpenFile(w.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // fixed filename in exchange dir
	if err != nil {
		w.log.Warn("open audit log", zap.Error(&protocol.IOError{Op: "open", Path: w.auditPath, Err: err}))
		return
	}
	if _, err := f.Write(line); err != nil {
		w.log.Warn("append audit log", zap.Error(&protocol.IOError{Op: "append", Path: w.auditPath, Err: err}))
	}
	if err := f.Close(); err != nil {
		w.log.Warn("close audit log", zap.Error(err))
	}
}

// Audit is a convenience wrapper around AppendAudit.
func (w *Writer) Audit(event, triggerID string, tool protocol.ToolName, format string, args ...any) {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	w.AppendAudit(protocol.AuditEntry{Event: event, TriggerID: triggerID, Tool: string(tool), Detail: detail})
}

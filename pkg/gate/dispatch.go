package gate

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/events"
	"reviewgate/pkg/protocol"
)

// ErrNoSession is reported when a stop names no recording.
var ErrNoSession = errors.New("no recording in progress")

// Dispatch handles one queued trigger. Errors are retried by the queue,
// except *protocol.ValidationError which drops the item. Speech failures
// are reported to the agent and the user, not returned.
func (g *Gate) Dispatch(ctx context.Context, t *protocol.Trigger) error {
	g.log.Debug("dispatch", zap.String("trigger_id", t.ID()), zap.String("tool", string(t.Tool())))

	switch call := t.Call.(type) {
	case *protocol.ChatCall:
		return g.prompt(t, PanelMessage{Title: call.Title, Text: call.Message, Context: call.Context, Urgent: call.Urgent})
	case *protocol.GetUserInputCall:
		return g.prompt(t, PanelMessage{Text: orDefault(call.Message, "The agent is waiting for your input.")})
	case *protocol.QuickReviewCall:
		return g.prompt(t, PanelMessage{Title: call.Title, Text: call.Prompt, Context: call.Context})
	case *protocol.IngestTextCall:
		text := orDefault(call.Message, "Review the following text")
		if call.Source != "" {
			text += " (from " + call.Source + ")"
		}
		return g.prompt(t, PanelMessage{Title: call.Title, Text: text, Context: call.TextContent})
	case *protocol.ShutdownCall:
		reason := orDefault(call.Reason, "The agent asked to shut down.")
		return g.prompt(t, PanelMessage{
			Title:  orDefault(call.Title, "Shutdown requested"),
			Text:   reason + "\n\nType CONFIRM to allow the shutdown, anything else to keep it running.",
			Urgent: call.Immediate,
		})
	case *protocol.FileReviewCall:
		return g.fileReview(ctx, t, call)
	case *protocol.SpeechStartCall:
		return g.speechStart(ctx, t, call)
	case *protocol.SpeechStopCall:
		return g.speechStop(ctx, t, call)
	default:
		return &protocol.ValidationError{Path: t.Path, Field: "tool", Reason: "unsupported tool " + string(t.Tool())}
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// prompt shows msg and acknowledges the trigger. The answer is written
// when the panel submits.
func (g *Gate) prompt(t *protocol.Trigger, msg PanelMessage) error {
	p, err := g.ensurePanel()
	if err != nil {
		return err
	}
	id := t.ID()
	msg.Command = CmdPrompt
	msg.TriggerID = id
	msg.Tool = t.Tool()
	msg.Title = orDefault(msg.Title, g.cfg.Title)

	if err := p.PostMessage(msg); err != nil {
		return fmt.Errorf("show prompt: %w", err)
	}
	g.mu.Lock()
	g.pending[id] = t.Call
	g.current = id
	g.mu.Unlock()

	if err := g.writer.Acknowledge(id, t.Tool()); err != nil {
		return err
	}
	g.prompts.Add(1)
	g.writer.Audit("popup_shown", id, t.Tool(), "%s", msg.Title)
	return nil
}

func (g *Gate) fileReview(ctx context.Context, t *protocol.Trigger, call *protocol.FileReviewCall) error {
	id := t.ID()
	if err := g.writer.Acknowledge(id, t.Tool()); err != nil {
		return err
	}
	exts := make([]string, 0, len(call.FileTypes))
	for _, e := range call.FileTypes {
		exts = append(exts, strings.TrimPrefix(strings.TrimPrefix(e, "*"), "."))
	}
	files, err := g.host.PickFiles(ctx, FileFilter{
		Title:      orDefault(call.Title, "Select files for review"),
		Prompt:     call.Instruction,
		Extensions: exts,
		Multiple:   true,
	})
	if err != nil {
		return fmt.Errorf("pick files: %w", err)
	}

	atts := make([]protocol.Attachment, 0, len(files))
	for _, f := range files {
		a := protocol.Attachment{FileName: f, MimeType: mime.TypeByExtension(filepath.Ext(f))}
		if a.MimeType == "" {
			a.MimeType = "application/octet-stream"
		}
		if info, err := os.Stat(f); err == nil {
			a.Size = info.Size()
		}
		atts = append(atts, a)
	}
	return g.respond(id, t.Tool(), strings.Join(files, "\n"), atts, protocol.EventFileReview)
}

// respond writes the answer for triggerID and announces it.
func (g *Gate) respond(triggerID string, tool protocol.ToolName, text string, atts []protocol.Attachment, eventType string) error {
	rec, err := g.writer.Respond(triggerID, text, atts, eventType)
	if err != nil {
		g.failures.Add(1)
		g.host.Notify("Could not deliver the response to the agent: "+err.Error(), LevelError)
		return err
	}
	g.responses.Add(1)
	g.publish(events.ResponseWritten{TriggerID: triggerID, EventType: rec.EventType})
	g.writer.Audit("response_sent", triggerID, tool, "%s: %d chars, %d attachments", rec.EventType, len(text), len(rec.Attachments))
	return nil
}

// speechFailure tells the user and the agent that speech failed.
func (g *Gate) speechFailure(triggerID string, tool protocol.ToolName, err error, reply bool) {
	g.failures.Add(1)
	hint := audio.HintOf(err)
	text := "Speech failed: " + err.Error()
	if msg := hint.Message(); msg != "" {
		text += "\n" + msg
	}
	g.log.Warn("speech failed", zap.String("trigger_id", triggerID), zap.String("hint", string(hint)), zap.Error(err))
	g.host.Notify(text, LevelError)
	g.post(PanelMessage{Command: CmdSpeechError, TriggerID: triggerID, Text: text, Hint: string(hint)})
	if reply {
		_ = g.respond(triggerID, tool, text, nil, protocol.EventRecordingError)
	}
}

func (g *Gate) resolveSpeech(ctx context.Context) (Speech, error) {
	sp, err := g.speech(ctx)
	if err != nil {
		return nil, fmt.Errorf("service unavailable: %w", err)
	}
	return sp, nil
}

func (g *Gate) speechStart(ctx context.Context, t *protocol.Trigger, call *protocol.SpeechStartCall) error {
	id := t.ID()
	if err := g.writer.Acknowledge(id, t.Tool()); err != nil {
		return err
	}
	sp, err := g.resolveSpeech(ctx)
	if err != nil {
		g.speechFailure(id, t.Tool(), err, true)
		return nil
	}
	maxDur := time.Duration(call.MaxDurationSeconds * float64(time.Second))
	sid, err := sp.StartRecording(ctx, id, maxDur)
	if err != nil {
		g.speechFailure(id, t.Tool(), err, true)
		return nil
	}
	g.post(PanelMessage{Command: CmdRecordingStarted, TriggerID: id, SessionID: sid})
	g.host.Notify("Recording… the agent will stop it when done.", LevelInfo)
	g.writer.Audit("recording_started", id, t.Tool(), "session %s", sid)
	return nil
}

// speechStop acknowledges at once and finishes in the background:
// stopping and transcribing can outlast the queue's item timeout.
func (g *Gate) speechStop(ctx context.Context, t *protocol.Trigger, call *protocol.SpeechStopCall) error {
	id := t.ID()
	if err := g.writer.Acknowledge(id, t.Tool()); err != nil {
		return err
	}
	sp, err := g.resolveSpeech(ctx)
	if err != nil {
		g.speechFailure(id, t.Tool(), err, true)
		return nil
	}
	sid := call.SessionID
	if sid == "" {
		s, ok := sp.SessionForTrigger(id)
		if !ok {
			g.speechFailure(id, t.Tool(), ErrNoSession, true)
			return nil
		}
		sid = s.ID
	}

	g.background(func(ctx context.Context) {
		res, err := sp.StopRecording(ctx, sid)
		if err != nil {
			g.speechFailure(id, t.Tool(), err, true)
			return
		}
		g.showTranscript(res)
		_ = g.respond(id, t.Tool(), res.Transcript, nil, protocol.EventSpeech)
	})
	return nil
}

func (g *Gate) showTranscript(res audio.Result) {
	g.post(PanelMessage{
		Command:   CmdTranscription,
		TriggerID: res.TriggerID,
		SessionID: res.SessionID,
		Text:      res.Transcript,
		Hint:      string(res.Hint),
	})
	if msg := res.Hint.Message(); msg != "" {
		g.host.Notify(msg, LevelWarning)
	}
}

// background runs fn bounded by SpeechTimeout and the gate's lifetime.
func (g *Gate) background(fn func(ctx context.Context)) {
	parent := g.runCtx
	if parent == nil {
		parent = context.Background()
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(parent, g.cfg.SpeechTimeout)
		defer cancel()
		fn(ctx)
	}()
}

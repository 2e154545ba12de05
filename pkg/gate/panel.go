package gate

import (
	"context"

	"go.uber.org/zap"

	"reviewgate/pkg/events"
	"reviewgate/pkg/protocol"
)

// HandleMessage processes a message from the panel. An empty TriggerID
// means the prompt shown last.
func (g *Gate) HandleMessage(msg PanelMessage) {
	switch msg.Command {
	case CmdSubmit:
		g.submit(msg)
	case CmdStartRecording:
		g.panelStartRecording(msg)
	case CmdStopRecording:
		g.panelStopRecording(msg)
	case CmdCancel:
		g.cancel(msg)
	case CmdClosed:
		g.closed()
	default:
		g.log.Debug("ignoring panel message", zap.String("command", msg.Command))
	}
}

func (g *Gate) target(msg PanelMessage) string {
	if msg.TriggerID != "" {
		return msg.TriggerID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// take removes and returns the pending call for id.
func (g *Gate) take(id string) (protocol.ToolCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	call, ok := g.pending[id]
	if !ok {
		return nil, false
	}
	delete(g.pending, id)
	if g.current == id {
		g.current = ""
		for other := range g.pending {
			g.current = other
			break
		}
	}
	return call, true
}

func (g *Gate) submit(msg PanelMessage) {
	id := g.target(msg)
	call, ok := g.take(id)
	if !ok {
		g.host.Notify("There is no pending agent request to answer.", LevelWarning)
		return
	}

	eventType := protocol.EventMCPResponse
	if _, isShutdown := call.(*protocol.ShutdownCall); isShutdown {
		confirmed := protocol.IsShutdownConfirmation(msg.Text)
		g.publish(events.ShutdownResponse{TriggerID: id, Confirmed: confirmed})
		eventType = protocol.EventShutdown
		g.log.Info("shutdown answered", zap.String("trigger_id", id), zap.Bool("confirmed", confirmed))
	}

	if err := g.respond(id, call.Tool(), msg.Text, msg.Attachments, eventType); err != nil {
		// Put it back so the user can retry.
		g.mu.Lock()
		g.pending[id] = call
		g.current = id
		g.mu.Unlock()
		return
	}
	g.post(PanelMessage{Command: CmdStatus, TriggerID: id, Text: "Response sent to the agent."})
}

// panelStartRecording records dictation for the prompt on screen. The
// transcript goes back to the panel, not to the agent.
func (g *Gate) panelStartRecording(msg PanelMessage) {
	id := g.target(msg)
	if id == "" {
		g.host.Notify("Open a prompt before recording.", LevelWarning)
		return
	}
	g.background(func(ctx context.Context) {
		sp, err := g.resolveSpeech(ctx)
		if err != nil {
			g.speechFailure(id, "", err, false)
			return
		}
		sid, err := sp.StartRecording(ctx, id, 0)
		if err != nil {
			g.speechFailure(id, "", err, false)
			return
		}
		g.mu.Lock()
		g.recordings[id] = sid
		g.mu.Unlock()
		g.post(PanelMessage{Command: CmdRecordingStarted, TriggerID: id, SessionID: sid})
	})
}

func (g *Gate) panelStopRecording(msg PanelMessage) {
	id := g.target(msg)
	g.mu.Lock()
	sid := msg.SessionID
	if sid == "" {
		sid = g.recordings[id]
	}
	delete(g.recordings, id)
	g.mu.Unlock()

	g.background(func(ctx context.Context) {
		sp, err := g.resolveSpeech(ctx)
		if err != nil {
			g.speechFailure(id, "", err, false)
			return
		}
		if sid == "" {
			s, ok := sp.SessionForTrigger(id)
			if !ok {
				g.speechFailure(id, "", ErrNoSession, false)
				return
			}
			sid = s.ID
		}
		res, err := sp.StopRecording(ctx, sid)
		if err != nil {
			g.speechFailure(id, "", err, false)
			return
		}
		g.showTranscript(res)
	})
}

// cancel withdraws the prompt: any dictation is discarded and the agent
// receives an empty USER_CANCELLED response so it stops waiting.
func (g *Gate) cancel(msg PanelMessage) {
	id := g.target(msg)
	g.cancelRecording(id)

	call, ok := g.take(id)
	if !ok {
		return
	}
	_ = g.respond(id, call.Tool(), "", nil, protocol.EventCancelled)
	g.post(PanelMessage{Command: CmdDismiss, TriggerID: id})
}

func (g *Gate) cancelRecording(id string) {
	g.mu.Lock()
	sid, ok := g.recordings[id]
	delete(g.recordings, id)
	g.mu.Unlock()
	if !ok {
		return
	}
	sp, err := g.speech(context.Background())
	if err != nil {
		return
	}
	if err := sp.Cancel(sid); err != nil {
		g.log.Debug("cancel recording", zap.String("session", sid), zap.Error(err))
	}
}

// closed forgets the panel after the user closed it. Pending prompts stay
// answerable once a new panel opens.
func (g *Gate) closed() {
	g.mu.Lock()
	g.panel = nil
	ids := make([]string, 0, len(g.recordings))
	for id := range g.recordings {
		ids = append(ids, id)
	}
	pending := len(g.pending)
	g.mu.Unlock()

	for _, id := range ids {
		g.cancelRecording(id)
	}
	if pending > 0 {
		g.log.Info("panel closed with pending prompts", zap.Int("pending", pending))
		g.host.Notify("Review Gate closed with unanswered agent requests.", LevelWarning)
	}
}

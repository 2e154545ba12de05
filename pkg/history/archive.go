package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"reviewgate/pkg/events"
	"reviewgate/pkg/logging"
)

// FromEvent maps a bus event to a history row. Events with no lasting
// interest (progress ticks, health flaps, config reloads) map to false.
func FromEvent(ev events.Event) (Event, bool) {
	switch e := ev.(type) {
	case events.TriggerDetected:
		return Event{Kind: KindTriggerReceived, TriggerID: e.TriggerID, Tool: e.Tool, Detail: e.Path}, true
	case events.TriggerRejected:
		return Event{Kind: KindTriggerRejected, Detail: fmt.Sprintf("%s: %s", e.Path, e.Reason)}, true
	case events.ToolDispatched:
		return Event{Kind: KindToolDispatched, TriggerID: e.TriggerID, Tool: e.Tool, Detail: fmt.Sprintf("attempts=%d", e.Attempts)}, true
	case events.ToolDropped:
		return Event{Kind: KindToolDropped, TriggerID: e.TriggerID, Tool: e.Tool, Detail: e.Reason}, true
	case events.ResponseWritten:
		return Event{Kind: KindResponseWritten, TriggerID: e.TriggerID, Detail: e.EventType}, true
	case events.RecordingStateChanged:
		detail := "session=" + e.SessionID + " state=" + e.State
		if e.Hint != "" {
			detail += " hint=" + e.Hint
		}
		return Event{Kind: KindRecording, TriggerID: e.TriggerID, Detail: detail}, true
	case events.ServiceStateChanged:
		detail := fmt.Sprintf("%s: %s -> %s", e.Service, e.From, e.To)
		if e.Err != nil {
			detail += ": " + e.Err.Error()
		}
		return Event{Kind: KindServiceState, Detail: detail}, true
	case events.ShutdownResponse:
		return Event{Kind: KindShutdownResponse, TriggerID: e.TriggerID, Detail: fmt.Sprintf("confirmed=%t", e.Confirmed)}, true
	}
	return Event{}, false
}

// Archive records bus events until ch closes or ctx is done. Write
// failures are logged and skipped.
func (s *Store) Archive(ctx context.Context, ch <-chan events.Event, log *zap.Logger) {
	log = logging.OrNop(log).Named("history")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			row, keep := FromEvent(ev)
			if !keep {
				continue
			}
			if err := s.Record(ctx, row); err != nil {
				log.Warn("record history", zap.String("kind", row.Kind), zap.Error(err))
			}
		}
	}
}

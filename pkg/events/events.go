// Package events is the in-process event bus shared by review-gate services.
// Events are a closed set of typed variants; subscribers switch on the
// concrete type instead of matching string names.
package events

import (
	"sync"
	"sync/atomic"
)

// Kind names an event variant. It is used for logging and history rows.
type Kind string

// Event kinds.
const (
	KindServiceState     Kind = "service_state"
	KindServiceHealth    Kind = "service_health"
	KindTriggerDetected  Kind = "trigger_detected"
	KindTriggerRejected  Kind = "trigger_rejected"
	KindToolDispatched   Kind = "tool_dispatched"
	KindToolDropped      Kind = "tool_dropped"
	KindRecordingState   Kind = "recording_state"
	KindResponseWritten  Kind = "response_written"
	KindProgressUpdated  Kind = "progress_updated"
	KindConfigChanged    Kind = "config_changed"
	KindShutdownResponse Kind = "shutdown_response"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// ServiceStateChanged is published on every orchestrator state transition.
type ServiceStateChanged struct {
	Service string
	From    string
	To      string
	Err     error
}

// ServiceHealthChanged is published when a health check changes status.
type ServiceHealthChanged struct {
	Service string
	Status  string
	Error   string
}

// TriggerDetected is published after a trigger was validated and enqueued.
type TriggerDetected struct {
	TriggerID string
	Tool      string
	Path      string
}

// TriggerRejected is published when a trigger file failed validation.
type TriggerRejected struct {
	Path   string
	Reason string
}

// ToolDispatched is published once a queued tool call was processed.
type ToolDispatched struct {
	TriggerID string
	Tool      string
	Attempts  int
}

// ToolDropped is published when the queue discards an item.
type ToolDropped struct {
	TriggerID string
	Tool      string
	Reason    string
}

// RecordingStateChanged tracks audio session transitions.
type RecordingStateChanged struct {
	SessionID string
	TriggerID string
	State     string
	Hint      string
}

// ResponseWritten is published after a response record reached disk.
type ResponseWritten struct {
	TriggerID string
	EventType string
}

// ProgressUpdated relays an agent progress file.
type ProgressUpdated struct {
	Title      string
	Percentage float64
	Step       string
	Status     string
}

// ConfigChanged is published when the configuration file was rewritten.
type ConfigChanged struct {
	Path string
}

// ShutdownResponse is published when the user answered a shutdown request.
type ShutdownResponse struct {
	TriggerID string
	Confirmed bool
}

func (ServiceStateChanged) Kind() Kind   { return KindServiceState }
func (ServiceHealthChanged) Kind() Kind  { return KindServiceHealth }
func (TriggerDetected) Kind() Kind       { return KindTriggerDetected }
func (TriggerRejected) Kind() Kind       { return KindTriggerRejected }
func (ToolDispatched) Kind() Kind        { return KindToolDispatched }
func (ToolDropped) Kind() Kind           { return KindToolDropped }
func (RecordingStateChanged) Kind() Kind { return KindRecordingState }
func (ResponseWritten) Kind() Kind       { return KindResponseWritten }
func (ProgressUpdated) Kind() Kind       { return KindProgressUpdated }
func (ConfigChanged) Kind() Kind         { return KindConfigChanged }
func (ShutdownResponse) Kind() Kind      { return KindShutdownResponse }

func (ServiceStateChanged) sealed()   {}
func (ServiceHealthChanged) sealed()  {}
func (TriggerDetected) sealed()       {}
func (TriggerRejected) sealed()       {}
func (ToolDispatched) sealed()        {}
func (ToolDropped) sealed()           {}
func (RecordingStateChanged) sealed() {}
func (ResponseWritten) sealed()       {}
func (ProgressUpdated) sealed()       {}
func (ConfigChanged) sealed()         {}
func (ShutdownResponse) sealed()      {}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: a subscriber whose buffer is full misses the event and the bus
// counts the drop.
//
// A nil *Bus is valid and discards everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus a cancel function that unregisters and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	if b == nil {
		close(ch)
		return ch, func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

package audio

import (
	"time"
)

// State is an audio session state. Sessions only move forward:
// idle -> recording -> processing -> completed|error. Cancelled is
// reachable from any non-terminal state.
type State string

// Session states.
const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

func (s State) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateRecording:
		return 1
	case StateProcessing:
		return 2
	default:
		return 3
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// canAdvance reports whether moving from s to next keeps the session
// monotonic.
func (s State) canAdvance(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateCancelled || next == StateError {
		return true
	}
	return next.rank() == s.rank()+1
}

// session is the manager's private record. Guarded by Manager.mu.
type session struct {
	id        string
	triggerID string
	state     State
	startedAt time.Time
	endedAt   time.Time
	audioFile string
	files     []string
	proc      Process
	locked    bool

	transcript string
	err        error
	hint       Hint

	cleanup *time.Timer
}

// Session is a read-only view of one recording attempt.
type Session struct {
	ID         string    `json:"id"`
	TriggerID  string    `json:"trigger_id"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	AudioFile  string    `json:"audio_file,omitempty"`
	Files      []string  `json:"files,omitempty"`
	Locked     bool      `json:"locked,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
	Hint       Hint      `json:"hint,omitempty"`
}

func (s *session) view() Session {
	v := Session{
		ID:         s.id,
		TriggerID:  s.triggerID,
		State:      s.state,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		AudioFile:  s.audioFile,
		Files:      append([]string(nil), s.files...),
		Locked:     s.locked,
		Transcript: s.transcript,
		Hint:       s.hint,
	}
	if s.err != nil {
		v.Error = s.err.Error()
	}
	return v
}

// Result is what StopRecording hands back to the caller.
type Result struct {
	SessionID  string
	TriggerID  string
	Transcript string
	Hint       Hint
}

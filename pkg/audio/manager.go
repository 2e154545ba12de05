// Package audio records speech with an external capture binary and has the
// agent transcribe it through a second file exchange keyed by trigger_id.
//
// A session moves idle -> recording -> processing -> completed|error;
// Cancel ends it immediately, killing the process and deleting its files.
// Files of finished sessions are removed after a delay unless the session
// is locked.
package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reviewgate/pkg/events"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/response"
)

// Errors returned by session operations.
var (
	ErrSessionActive       = errors.New("recording already active for trigger")
	ErrUnknownSession      = errors.New("unknown audio session")
	ErrInvalidState        = errors.New("invalid session state")
	ErrCancelled           = errors.New("audio session cancelled")
	ErrClosed              = errors.New("audio manager closed")
	ErrTranscriptionFailed = errors.New("transcription failed")
)

// HintedError carries a troubleshooting hint with a failure.
type HintedError struct {
	Hint Hint
	Err  error
}

func (e *HintedError) Error() string { return e.Err.Error() }

func (e *HintedError) Unwrap() error { return e.Err }

// HintOf extracts the hint attached to err, classifying it when none is.
func HintOf(err error) Hint {
	var he *HintedError
	if errors.As(err, &he) {
		return he.Hint
	}
	return Classify(err, "")
}

// Config holds recording and transcription settings.
type Config struct {
	Dir               string // exchange dir; temp audio files live here too
	Editor            string
	System            string
	SampleRate        int
	Channels          int
	BitDepth          int
	MaxDuration       time.Duration
	MinFileSize       int64
	VersionTimeout    time.Duration
	ProbeTimeout      time.Duration
	EnvTTL            time.Duration
	EnvFailureTTL     time.Duration
	StopGrace         time.Duration
	FileWait          time.Duration
	TranscribeTimeout time.Duration
	PollInterval      time.Duration
	CacheTTL          time.Duration
	CleanupDelay      time.Duration
	StaleAge          time.Duration
	SkipProbe         bool // Initialize does not validate the environment
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Dir == "" {
		out.Dir = os.TempDir()
	}
	if out.Editor == "" {
		out.Editor = protocol.DefaultEditor
	}
	if out.System == "" {
		out.System = protocol.DefaultSystem
	}
	if out.SampleRate == 0 {
		out.SampleRate = 16000
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.BitDepth == 0 {
		out.BitDepth = 16
	}
	if out.MaxDuration == 0 {
		out.MaxDuration = 5 * time.Minute
	}
	if out.MinFileSize == 0 {
		out.MinFileSize = 500
	}
	if out.VersionTimeout == 0 {
		out.VersionTimeout = 2 * time.Second
	}
	if out.ProbeTimeout == 0 {
		out.ProbeTimeout = 3 * time.Second
	}
	if out.EnvTTL == 0 {
		out.EnvTTL = 5 * time.Minute
	}
	if out.EnvFailureTTL == 0 {
		out.EnvFailureTTL = time.Minute
	}
	if out.StopGrace == 0 {
		out.StopGrace = 3 * time.Second
	}
	if out.FileWait == 0 {
		out.FileWait = 5 * time.Second
	}
	if out.TranscribeTimeout == 0 {
		out.TranscribeTimeout = 30 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	if out.CacheTTL == 0 {
		out.CacheTTL = 10 * time.Minute
	}
	if out.CleanupDelay == 0 {
		out.CleanupDelay = 30 * time.Second
	}
	if out.StaleAge == 0 {
		out.StaleAge = 5 * time.Minute
	}
	return out
}

type envResult struct {
	version   string
	err       error
	checkedAt time.Time
}

type cacheKey struct {
	file      string
	triggerID string
}

type cachedText struct {
	text    string
	expires time.Time
}

// Manager owns audio sessions.
type Manager struct {
	cfg     Config
	rec     Recorder
	bus     events.Publisher
	log     *zap.Logger
	nowFunc func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	envMu sync.Mutex
	env   *envResult

	cacheMu sync.Mutex
	cache   map[cacheKey]cachedText

	active atomic.Bool

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	probes    atomic.Int64
}

// NewManager creates a manager using rec for captures. bus may be nil.
func NewManager(cfg Config, rec Recorder, bus events.Publisher, log *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		rec:      rec,
		bus:      bus,
		log:      logging.OrNop(log).Named("audio"),
		nowFunc:  time.Now,
		sessions: make(map[string]*session),
		cache:    make(map[cacheKey]cachedText),
	}
}

// Initialize prepares the temp directory, removes stale recordings, and
// validates the recording environment.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return &protocol.IOError{Op: "create audio dir", Path: m.cfg.Dir, Err: err}
	}
	if n, err := m.SweepStale(); err != nil {
		m.log.Warn("sweep stale recordings", zap.Error(err))
	} else if n > 0 {
		m.log.Info("removed stale recordings", zap.Int("count", n))
	}
	if !m.cfg.SkipProbe {
		if err := m.ValidateEnvironment(ctx); err != nil {
			return err
		}
	}
	m.active.Store(true)
	return nil
}

// Dispose cancels every live session, locked or not, and sweeps stale
// recordings.
func (m *Manager) Dispose(_ context.Context) error {
	m.active.Store(false)

	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.release(id, true)
	}
	if _, err := m.SweepStale(); err != nil {
		m.log.Warn("sweep stale recordings", zap.Error(err))
	}
	return nil
}

// IsActive reports whether the manager accepts recordings.
func (m *Manager) IsActive() bool { return m.active.Load() }

// CheckHealth reports the cached environment failure, if any. It never
// re-probes the device.
func (m *Manager) CheckHealth(_ context.Context) error {
	m.envMu.Lock()
	defer m.envMu.Unlock()
	if m.env != nil && m.env.err != nil {
		return m.env.err
	}
	return nil
}

// Metrics returns session counters.
func (m *Manager) Metrics() map[string]any {
	m.mu.Lock()
	live, recording := 0, 0
	for _, s := range m.sessions {
		if !s.state.Terminal() {
			live++
		}
		if s.state == StateRecording {
			recording++
		}
	}
	m.mu.Unlock()

	m.cacheMu.Lock()
	cached := len(m.cache)
	m.cacheMu.Unlock()

	out := map[string]any{
		"sessions_live": live,
		"recording":     recording,
		"started":       m.started.Load(),
		"completed":     m.completed.Load(),
		"failed":        m.failed.Load(),
		"cancelled":     m.cancelled.Load(),
		"env_probes":    m.probes.Load(),
		"cached":        cached,
	}
	m.envMu.Lock()
	if m.env != nil && m.env.version != "" {
		out["recorder"] = m.env.version
	}
	m.envMu.Unlock()
	return out
}

func (m *Manager) publishLocked(s *session) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.RecordingStateChanged{
		SessionID: s.id,
		TriggerID: s.triggerID,
		State:     string(s.state),
		Hint:      string(s.hint),
	})
}

// advanceLocked moves s to next if the move is monotonic.
func (m *Manager) advanceLocked(s *session, next State) bool {
	if !s.state.canAdvance(next) {
		return false
	}
	s.state = next
	if next.Terminal() {
		s.endedAt = m.nowFunc()
	}
	m.publishLocked(s)
	return true
}

// ValidateEnvironment checks that the recorder is installed and can open
// the input device. Results are cached: successes for EnvTTL, failures
// for EnvFailureTTL.
func (m *Manager) ValidateEnvironment(ctx context.Context) error {
	m.envMu.Lock()
	defer m.envMu.Unlock()

	now := m.nowFunc()
	if env := m.env; env != nil {
		ttl := m.cfg.EnvTTL
		if env.err != nil {
			ttl = m.cfg.EnvFailureTTL
		}
		if now.Sub(env.checkedAt) < ttl {
			return env.err
		}
	}

	version, err := m.probe(ctx)
	m.env = &envResult{version: version, err: err, checkedAt: now}
	if err != nil {
		m.log.Warn("recording environment unavailable", zap.String("hint", string(HintOf(err))), zap.Error(err))
	} else {
		m.log.Info("recording environment ok", zap.String("recorder", version))
	}
	return err
}

func (m *Manager) probe(ctx context.Context) (string, error) {
	m.probes.Add(1)

	vctx, cancel := context.WithTimeout(ctx, m.cfg.VersionTimeout)
	version, err := m.rec.Version(vctx)
	timedOut := errors.Is(vctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = &protocol.TimeoutError{Op: "recorder version probe", After: m.cfg.VersionTimeout}
		}
		return "", &HintedError{Hint: notInstalledUnlessKnown(err), Err: err}
	}

	path := filepath.Join(m.cfg.Dir, protocol.AudioFilePrefix+"probe_"+uuid.NewString()[:8]+protocol.AudioFileExt)
	defer removeQuietly(path)

	proc, err := m.rec.Start(RecordSpec{
		Output:      path,
		SampleRate:  m.cfg.SampleRate,
		Channels:    m.cfg.Channels,
		BitDepth:    m.cfg.BitDepth,
		MaxDuration: 100 * time.Millisecond,
	})
	if err != nil {
		return version, &HintedError{Hint: notInstalledUnlessKnown(err), Err: err}
	}

	select {
	case <-proc.Done():
		if perr := proc.Err(); perr != nil {
			err := &protocol.ProcessError{Op: "trial capture", Err: withOutput(perr, []byte(proc.Output()))}
			hint := Classify(perr, proc.Output())
			if hint == HintNone {
				hint = HintNoAudio
			}
			return version, &HintedError{Hint: hint, Err: err}
		}
	case <-time.After(m.cfg.ProbeTimeout):
		_ = proc.Kill()
		waitDone(proc, m.cfg.StopGrace)
		return version, &HintedError{Hint: HintDeviceBusy, Err: &protocol.TimeoutError{Op: "trial capture", After: m.cfg.ProbeTimeout}}
	case <-ctx.Done():
		_ = proc.Kill()
		waitDone(proc, m.cfg.StopGrace)
		return version, ctx.Err()
	}
	return version, nil
}

func notInstalledUnlessKnown(err error) Hint {
	if h := Classify(err, ""); h != HintNone {
		return h
	}
	return HintNotInstalled
}

func waitDone(p Process, bound time.Duration) bool {
	select {
	case <-p.Done():
		return true
	case <-time.After(bound):
		return false
	}
}

// StartRecording begins a capture for triggerID and returns the session
// id. maxDuration of zero (or above the configured cap) uses the cap.
func (m *Manager) StartRecording(ctx context.Context, triggerID string, maxDuration time.Duration) (string, error) {
	if strings.TrimSpace(triggerID) == "" {
		return "", &protocol.ValidationError{Field: "trigger_id", Reason: "missing or empty"}
	}
	if err := m.ValidateEnvironment(ctx); err != nil {
		return "", err
	}
	if maxDuration <= 0 || maxDuration > m.cfg.MaxDuration {
		maxDuration = m.cfg.MaxDuration
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	for _, s := range m.sessions {
		if s.triggerID == triggerID && !s.state.Terminal() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s (session %s)", ErrSessionActive, triggerID, s.id)
		}
	}
	now := m.nowFunc()
	id := uuid.NewString()
	path := filepath.Join(m.cfg.Dir, fmt.Sprintf("%s%d_%s%s", protocol.AudioFilePrefix, now.UnixMilli(), id[:8], protocol.AudioFileExt))
	sess := &session{
		id:        id,
		triggerID: triggerID,
		state:     StateIdle,
		startedAt: now,
		audioFile: path,
		files:     []string{path},
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	proc, err := m.rec.Start(RecordSpec{
		Output:      path,
		SampleRate:  m.cfg.SampleRate,
		Channels:    m.cfg.Channels,
		BitDepth:    m.cfg.BitDepth,
		MaxDuration: maxDuration,
	})
	if err != nil {
		herr := &HintedError{Hint: notInstalledUnlessKnown(err), Err: err}
		m.finish(sess, StateError, "", herr, herr.Hint)
		return "", herr
	}

	m.mu.Lock()
	if !m.advanceLocked(sess, StateRecording) {
		// Cancelled while spawning.
		m.mu.Unlock()
		_ = proc.Kill()
		return "", ErrCancelled
	}
	sess.proc = proc
	m.mu.Unlock()

	m.started.Add(1)
	go m.watchExit(sess, proc)
	m.log.Info("recording started",
		zap.String("session", id),
		zap.String("trigger_id", triggerID),
		zap.Duration("max", maxDuration))
	return id, nil
}

// watchExit marks a session failed when the capture dies on its own with
// an error. A clean exit (max duration reached) leaves the session for
// StopRecording.
func (m *Manager) watchExit(s *session, p Process) {
	<-p.Done()
	err := p.Err()
	if err == nil {
		return
	}
	m.mu.Lock()
	recording := s.state == StateRecording
	m.mu.Unlock()
	if !recording {
		return
	}
	hint := Classify(err, p.Output())
	perr := &protocol.ProcessError{Op: "record", Err: withOutput(err, []byte(p.Output()))}
	m.finish(s, StateError, "", &HintedError{Hint: hint, Err: perr}, hint)
}

// finish moves s to a terminal state and schedules cleanup. It reports
// false when s already ended (e.g. cancelled).
func (m *Manager) finish(s *session, state State, transcript string, err error, hint Hint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.transcript = transcript
	s.err = err
	s.hint = hint
	if !m.advanceLocked(s, state) {
		return false
	}
	switch state {
	case StateCompleted:
		m.completed.Add(1)
	case StateError:
		m.failed.Add(1)
		m.log.Warn("recording failed", zap.String("session", s.id), zap.String("hint", string(hint)), zap.Error(err))
	}
	m.scheduleCleanupLocked(s)
	return true
}

// StopRecording ends the capture, waits for the file, and transcribes it.
// The session always ends completed or error. An empty transcript with
// HintNoSpeech or HintTimeout is a completed session, not an error.
func (m *Manager) StopRecording(ctx context.Context, sessionID string) (Result, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	res := Result{SessionID: sess.id, TriggerID: sess.triggerID}
	if sess.state == StateError && sess.err != nil {
		err := sess.err
		res.Hint = sess.hint
		m.mu.Unlock()
		return res, err
	}
	if !m.advanceLocked(sess, StateProcessing) {
		state := sess.state
		m.mu.Unlock()
		if state == StateCancelled {
			return res, ErrCancelled
		}
		return res, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, state)
	}
	proc := sess.proc
	path := sess.audioFile
	m.mu.Unlock()

	m.stopProcess(ctx, proc)

	size, err := m.waitForFile(ctx, path)
	if err != nil {
		hint := Classify(nil, proc.Output())
		if hint == HintNone {
			hint = HintNoAudio
		}
		res.Hint = hint
		return m.conclude(sess, res, StateError, &HintedError{Hint: hint, Err: err})
	}

	if size < m.cfg.MinFileSize {
		removeQuietly(path)
		m.log.Info("no speech detected", zap.String("session", sess.id), zap.Int64("bytes", size))
		res.Hint = HintNoSpeech
		return m.conclude(sess, res, StateCompleted, nil)
	}

	text, err := m.Transcribe(ctx, path, sess.triggerID)
	var terr *protocol.TimeoutError
	switch {
	case errors.As(err, &terr):
		res.Hint = HintTimeout
		return m.conclude(sess, res, StateCompleted, nil)
	case err != nil:
		res.Hint = HintTranscription
		if ctx.Err() != nil {
			res.Hint = HintNone
		}
		return m.conclude(sess, res, StateError, &HintedError{Hint: res.Hint, Err: err})
	}
	res.Transcript = text
	return m.conclude(sess, res, StateCompleted, nil)
}

func (m *Manager) conclude(s *session, res Result, state State, err error) (Result, error) {
	if !m.finish(s, state, res.Transcript, err, res.Hint) {
		return Result{SessionID: res.SessionID, TriggerID: res.TriggerID}, ErrCancelled
	}
	return res, err
}

// stopProcess terminates p, escalating to a kill after StopGrace.
func (m *Manager) stopProcess(ctx context.Context, p Process) {
	if p == nil {
		return
	}
	select {
	case <-p.Done():
		return
	default:
	}
	if err := p.Terminate(); err != nil {
		m.log.Warn("terminate recorder", zap.Error(err))
	}
	select {
	case <-p.Done():
		return
	case <-time.After(m.cfg.StopGrace):
	case <-ctx.Done():
	}
	m.log.Warn("recorder ignored terminate, killing", zap.Int("pid", p.Pid()))
	if err := p.Kill(); err != nil {
		m.log.Warn("kill recorder", zap.Error(err))
	}
	if !waitDone(p, m.cfg.StopGrace) {
		m.log.Error("recorder still running after kill", zap.Int("pid", p.Pid()))
	}
}

// waitForFile polls until path exists and its size holds steady across
// two polls, bounded by FileWait.
func (m *Manager) waitForFile(ctx context.Context, path string) (int64, error) {
	deadline := time.NewTimer(m.cfg.FileWait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		if info, err := os.Stat(path); err == nil {
			if info.Size() == last {
				return last, nil
			}
			last = info.Size()
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			if last >= 0 {
				return last, nil
			}
			return 0, &protocol.IOError{Op: "wait for recording", Path: path, Err: fmt.Errorf("%w after %v", fs.ErrNotExist, m.cfg.FileWait)}
		case <-ticker.C:
		}
	}
}

// Transcribe asks the agent to transcribe file and waits for the answer.
// Results are cached per (file, triggerID). On timeout the request file
// is removed and a *protocol.TimeoutError returned.
func (m *Manager) Transcribe(ctx context.Context, file, triggerID string) (string, error) {
	key := cacheKey{file: file, triggerID: triggerID}
	if text, ok := m.cached(key); ok {
		return text, nil
	}

	reqPath := protocol.SpeechRequestFile(m.cfg.Dir, triggerID)
	respPath := protocol.SpeechResponseFile(m.cfg.Dir, triggerID)
	// A trigger may record more than once; drop any earlier answer.
	removeQuietly(respPath)

	req := protocol.TranscriptionRequest{
		Timestamp: m.nowFunc().Format(protocol.TimestampFormat),
		System:    m.cfg.System,
		Editor:    m.cfg.Editor,
		Data: protocol.TranscriptionData{
			Tool:      protocol.ToolSpeechToText,
			AudioFile: file,
			TriggerID: triggerID,
			Format:    "wav",
		},
		MCPIntegration: true,
	}
	if err := response.WriteJSON(reqPath, req); err != nil {
		return "", err
	}
	m.log.Debug("transcription requested", zap.String("trigger_id", triggerID), zap.String("file", filepath.Base(file)))

	deadline := time.NewTimer(m.cfg.TranscribeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if data, err := os.ReadFile(respPath); err == nil { //nolint:gosec // path derived from validated trigger_id
			var resp protocol.TranscriptionResponse
			// A decode error means the agent is mid-write; poll again.
			if json.Unmarshal(data, &resp) == nil {
				removeQuietly(reqPath, respPath)
				if resp.Failed() {
					return "", fmt.Errorf("%w: %s", ErrTranscriptionFailed, resp.Error)
				}
				text := strings.TrimSpace(resp.Transcription)
				m.store(key, text)
				return text, nil
			}
		}

		select {
		case <-ctx.Done():
			removeQuietly(reqPath)
			return "", ctx.Err()
		case <-deadline.C:
			removeQuietly(reqPath)
			m.log.Warn("transcription timed out", zap.String("trigger_id", triggerID), zap.Duration("after", m.cfg.TranscribeTimeout))
			return "", &protocol.TimeoutError{Op: "transcription", After: m.cfg.TranscribeTimeout}
		case <-ticker.C:
		}
	}
}

func (m *Manager) cached(key cacheKey) (string, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	c, ok := m.cache[key]
	if !ok {
		return "", false
	}
	if m.nowFunc().After(c.expires) {
		delete(m.cache, key)
		return "", false
	}
	return c.text, true
}

func (m *Manager) store(key cacheKey, text string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	now := m.nowFunc()
	for k, c := range m.cache {
		if now.After(c.expires) {
			delete(m.cache, k)
		}
	}
	m.cache[key] = cachedText{text: text, expires: now.Add(m.cfg.CacheTTL)}
}

// Cancel ends a session immediately: the capture is killed and its files
// deleted, whether or not the session is locked. Cancelling a finished
// session only releases it.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if m.advanceLocked(sess, StateCancelled) {
		m.cancelled.Add(1)
	}
	m.mu.Unlock()

	m.log.Info("recording cancelled", zap.String("session", sessionID))
	m.release(sessionID, true)
	return nil
}

// Lock exempts a session from automatic cleanup.
func (m *Manager) Lock(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	sess.locked = true
	if sess.cleanup != nil {
		sess.cleanup.Stop()
		sess.cleanup = nil
	}
	return nil
}

// Unlock re-enables automatic cleanup; a finished session is scheduled
// again.
func (m *Manager) Unlock(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	sess.locked = false
	if sess.state.Terminal() {
		m.scheduleCleanupLocked(sess)
	}
	return nil
}

func (m *Manager) scheduleCleanupLocked(s *session) {
	if s.locked || m.closed {
		return
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	id := s.id
	s.cleanup = time.AfterFunc(m.cfg.CleanupDelay, func() { m.release(id, false) })
}

// release drops a session, killing its process and deleting its files.
// Without force, locked sessions are kept.
func (m *Manager) release(id string, force bool) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || (!force && sess.locked) {
		m.mu.Unlock()
		return
	}
	if !sess.state.Terminal() {
		m.advanceLocked(sess, StateCancelled)
	}
	if sess.cleanup != nil {
		sess.cleanup.Stop()
		sess.cleanup = nil
	}
	delete(m.sessions, id)
	proc := sess.proc
	files := append([]string(nil), sess.files...)
	sess.proc = nil
	sess.files = nil
	m.mu.Unlock()

	if proc != nil {
		select {
		case <-proc.Done():
		default:
			_ = proc.Kill()
		}
	}
	removeQuietly(files...)
}

// Session returns the session with id.
func (m *Manager) Session(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.view(), true
}

// SessionForTrigger returns the live session for triggerID, or the most
// recent finished one.
func (m *Manager) SessionForTrigger(triggerID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *session
	for _, s := range m.sessions {
		if s.triggerID != triggerID {
			continue
		}
		if !s.state.Terminal() {
			return s.view(), true
		}
		if best == nil || s.startedAt.After(best.startedAt) {
			best = s
		}
	}
	if best == nil {
		return Session{}, false
	}
	return best.view(), true
}

// Sessions lists known sessions, oldest first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.view())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// SweepStale removes recordings in the audio dir older than StaleAge that
// no live session owns.
func (m *Manager) SweepStale() (int, error) {
	m.mu.Lock()
	owned := make(map[string]bool)
	for _, s := range m.sessions {
		for _, f := range s.files {
			owned[f] = true
		}
	}
	m.mu.Unlock()
	return sweep(m.cfg.Dir, m.cfg.StaleAge, m.nowFunc(), func(path string) bool { return owned[path] })
}

// SweepStale removes recordings in dir last modified more than age ago.
func SweepStale(dir string, age time.Duration, now time.Time) (int, error) {
	return sweep(dir, age, now, nil)
}

func sweep(dir string, age time.Duration, now time.Time, keep func(string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &protocol.IOError{Op: "list", Path: dir, Err: err}
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !protocol.IsAudioFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if keep != nil && keep(path) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < age {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func removeQuietly(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

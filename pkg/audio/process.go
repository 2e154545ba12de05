package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"reviewgate/pkg/protocol"
)

// RecordSpec describes one capture from the default input device.
type RecordSpec struct {
	Output      string
	SampleRate  int
	Channels    int
	BitDepth    int
	MaxDuration time.Duration // zero records until terminated
}

// Args renders s as sox arguments:
// -d -r RATE -c CHANNELS -b BITS OUTPUT [trim 0 SECONDS].
func (s RecordSpec) Args() []string {
	args := []string{
		"-d",
		"-r", strconv.Itoa(s.SampleRate),
		"-c", strconv.Itoa(s.Channels),
		"-b", strconv.Itoa(s.BitDepth),
		s.Output,
	}
	if s.MaxDuration > 0 {
		args = append(args, "trim", "0", strconv.FormatFloat(s.MaxDuration.Seconds(), 'f', -1, 64))
	}
	return args
}

// Process is a running capture. Done closes once the process has exited
// and been reaped; Err and Output are final after that.
type Process interface {
	Pid() int
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	Err() error
	Output() string
}

// Recorder spawns captures. ExecRecorder is the real implementation;
// tests substitute fakes.
type Recorder interface {
	Version(ctx context.Context) (string, error)
	Start(spec RecordSpec) (Process, error)
}

// ExecRecorder runs the recording binary as a child process in its own
// process group so signals reach any helpers it forks.
type ExecRecorder struct {
	binary string

	// cmdFactory builds the command. Tests swap in harmless commands.
	cmdFactory func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewExecRecorder returns a recorder invoking binary (e.g. "sox").
func NewExecRecorder(binary string) *ExecRecorder {
	return &ExecRecorder{
		binary: binary,
		cmdFactory: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, name, args...) //nolint:gosec // binary comes from config
		},
	}
}

// Binary returns the configured executable.
func (r *ExecRecorder) Binary() string { return r.binary }

// Version runs "<binary> --version" under ctx and returns the first
// output line.
func (r *ExecRecorder) Version(ctx context.Context) (string, error) {
	out, err := r.cmdFactory(ctx, r.binary, "--version").CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s --version: %w", r.binary, ctx.Err())
		}
		return "", &protocol.ProcessError{Op: "version probe", Err: withOutput(err, out)}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}

// Start spawns a capture and reaps it in the background.
func (r *ExecRecorder) Start(spec RecordSpec) (Process, error) {
	cmd := r.cmdFactory(context.Background(), r.binary, spec.Args()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &protocol.ProcessError{Op: "spawn " + r.binary, Err: err}
	}

	p := &execProcess{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Output() string { return p.stderr.String() }

// Terminate sends SIGTERM to the process group. sox finalizes the WAV
// header on SIGTERM.
func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		// Fall back to the leader alone.
		if perr := p.cmd.Process.Signal(sig); perr != nil {
			return &protocol.ProcessError{Op: "signal " + sig.String(), Err: perr}
		}
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func withOutput(err error, out []byte) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}

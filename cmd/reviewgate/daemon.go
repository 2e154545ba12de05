package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reviewgate/pkg/logging"
	"reviewgate/pkg/orchestrator"
	"reviewgate/pkg/response"
)

// DaemonStatusValue represents the state of the serve process.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

// WritePIDFile writes the given PID to the specified file path.
func WritePIDFile(path string, pid int) error {
	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from the given file path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. Missing files are not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID is running.
// A process owned by another user counts as alive.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without signaling.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// DaemonStatus checks the PID file and process liveness.
func DaemonStatus(pidPath string) (status DaemonStatusValue, pid int, err error) {
	pid, err = ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// RunFiles are the files a running gate owns in its home directory.
type RunFiles struct {
	PID    string
	Status string
}

// ClaimRunFiles records this process as the running gate. It refuses when
// another live gate holds the PID file and takes over a stale one.
func ClaimRunFiles(files RunFiles) error {
	status, pid, err := DaemonStatus(files.PID)
	if err != nil {
		return err
	}
	if status == StatusRunning && pid != os.Getpid() {
		return fmt.Errorf("reviewgate is already running (PID %d)", pid)
	}
	// A status file left by a dead gate would show its services as live.
	_ = os.Remove(files.Status)
	return WritePIDFile(files.PID, os.Getpid())
}

// ReleaseRunFiles removes the status file, then the PID file, so status
// never reports services for a gate that has no PID.
func ReleaseRunFiles(files RunFiles) error {
	var errs []error
	if err := os.Remove(files.Status); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove status file %s: %w", files.Status, err))
	}
	if err := RemovePIDFile(files.PID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StopDaemon sends SIGTERM to the gate with the given PID and waits up to
// wait for it to exit. A zero wait returns once the signal is sent.
func StopDaemon(pid int, wait time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if wait > 0 {
		return fmt.Errorf("reviewgate (PID %d) still running after %s", pid, wait)
	}
	return nil
}

// SetupSignalHandler cancels the returned context on SIGTERM or SIGINT.
// cleanup cancels it and releases files; it is safe to call more than once
// and callers should defer it.
func SetupSignalHandler(parent context.Context, files RunFiles, log *zap.Logger) (shutdownCtx context.Context, cleanup func()) {
	log = logging.OrNop(log)
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info("signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	var once sync.Once
	cleanup = func() {
		once.Do(func() {
			cancel()
			if err := ReleaseRunFiles(files); err != nil {
				log.Warn("release run files", zap.Error(err))
			}
		})
	}
	return ctx, cleanup
}

// StatusReport is the status file serve keeps current.
type StatusReport struct {
	PID         int                        `json:"pid"`
	Version     string                     `json:"version"`
	StartedAt   time.Time                  `json:"started_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	ExchangeDir string                     `json:"exchange_dir"`
	Services    []orchestrator.ServiceInfo `json:"services"`
	Pending     []string                   `json:"pending,omitempty"`
	Queued      []string                   `json:"queued,omitempty"`
}

// WriteStatus replaces the status file atomically.
func WriteStatus(path string, r StatusReport) error {
	return response.WriteJSON(path, r)
}

// ReadStatus loads the status file.
func ReadStatus(path string) (StatusReport, error) {
	var r StatusReport
	data, err := os.ReadFile(path) //nolint:gosec // status path is controlled by the application
	if err != nil {
		return r, fmt.Errorf("read status %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse status %s: %w", path, err)
	}
	return r, nil
}

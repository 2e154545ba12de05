// Package config loads gate settings from a YAML or TOML file with
// environment overrides, and watches the file for live changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"reviewgate/pkg/audio"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/orchestrator"
	"reviewgate/pkg/protocol"
	"reviewgate/pkg/queue"
	"reviewgate/pkg/watcher"
)

// Environment overrides.
const (
	EnvHome        = "REVIEWGATE_HOME"
	EnvExchangeDir = "REVIEWGATE_EXCHANGE_DIR"
	EnvLogLevel    = "REVIEWGATE_LOG_LEVEL"
	EnvDBPath      = "REVIEWGATE_DB_PATH"
)

// Files under the home directory.
const (
	FileName   = "config.yaml"
	PIDFile    = "reviewgate.pid"
	StatusFile = "status.json"
	DBFile     = "history.db"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalText parses a duration string. yaml.v3 and go-toml both use it.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Log configures logging.
type Log struct {
	Level   string `yaml:"level" toml:"level"`
	File    string `yaml:"file" toml:"file"` // "-" disables the file sink
	NoColor bool   `yaml:"no_color" toml:"no_color"`
}

// Watcher configures trigger detection.
type Watcher struct {
	Debounce     Duration `yaml:"debounce" toml:"debounce"`
	Fallbacks    int      `yaml:"fallbacks" toml:"fallbacks"`
	FallbackPoll Duration `yaml:"fallback_poll" toml:"fallback_poll"`
}

// Queue configures the tool-call queue.
type Queue struct {
	Capacity   int      `yaml:"capacity" toml:"capacity"`
	Interval   Duration `yaml:"interval" toml:"interval"`
	BatchSize  int      `yaml:"batch_size" toml:"batch_size"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
}

// Audio configures recording and transcription.
type Audio struct {
	Disabled          bool     `yaml:"disabled" toml:"disabled"`
	Binary            string   `yaml:"binary" toml:"binary"`
	SampleRate        int      `yaml:"sample_rate" toml:"sample_rate"`
	Channels          int      `yaml:"channels" toml:"channels"`
	BitDepth          int      `yaml:"bit_depth" toml:"bit_depth"`
	MaxDuration       Duration `yaml:"max_duration" toml:"max_duration"`
	MinFileSize       int64    `yaml:"min_file_size" toml:"min_file_size"`
	VersionTimeout    Duration `yaml:"version_timeout" toml:"version_timeout"`
	ProbeTimeout      Duration `yaml:"probe_timeout" toml:"probe_timeout"`
	EnvTTL            Duration `yaml:"env_ttl" toml:"env_ttl"`
	EnvFailureTTL     Duration `yaml:"env_failure_ttl" toml:"env_failure_ttl"`
	StopGrace         Duration `yaml:"stop_grace" toml:"stop_grace"`
	FileWait          Duration `yaml:"file_wait" toml:"file_wait"`
	TranscribeTimeout Duration `yaml:"transcribe_timeout" toml:"transcribe_timeout"`
	PollInterval      Duration `yaml:"poll_interval" toml:"poll_interval"`
	CacheTTL          Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	CleanupDelay      Duration `yaml:"cleanup_delay" toml:"cleanup_delay"`
	StaleAge          Duration `yaml:"stale_age" toml:"stale_age"`
}

// Services configures supervision.
type Services struct {
	HealthInterval     Duration `yaml:"health_interval" toml:"health_interval"`
	RestartBackoff     Duration `yaml:"restart_backoff" toml:"restart_backoff"`
	MaxRestartAttempts int      `yaml:"max_restart_attempts" toml:"max_restart_attempts"`
}

// History configures the activity database.
type History struct {
	Disabled  bool     `yaml:"disabled" toml:"disabled"`
	Path      string   `yaml:"path" toml:"path"`
	Retention Duration `yaml:"retention" toml:"retention"`
}

// Config is the full gate configuration.
type Config struct {
	ExchangeDir string   `yaml:"exchange_dir" toml:"exchange_dir"`
	Editor      string   `yaml:"editor" toml:"editor"`
	System      string   `yaml:"system" toml:"system"`
	Log         Log      `yaml:"log" toml:"log"`
	Watcher     Watcher  `yaml:"watcher" toml:"watcher"`
	Queue       Queue    `yaml:"queue" toml:"queue"`
	Audio       Audio    `yaml:"audio" toml:"audio"`
	Services    Services `yaml:"services" toml:"services"`
	History     History  `yaml:"history" toml:"history"`

	// Home is the state directory; Source the file this was loaded from.
	Home   string `yaml:"-" toml:"-"`
	Source string `yaml:"-" toml:"-"`
}

// DefaultExchangeDir is /tmp on Unix, where agents look for the exchange
// files, and the OS temp dir elsewhere.
func DefaultExchangeDir() string {
	if runtime.GOOS == "windows" {
		return os.TempDir()
	}
	return "/tmp"
}

func setDur(d *Duration, v time.Duration) {
	if *d == 0 {
		*d = Duration(v)
	}
}

func setInt[T int | int64](p *T, v T) {
	if *p == 0 {
		*p = v
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ExchangeDir == "" {
		out.ExchangeDir = DefaultExchangeDir()
	}
	if out.Editor == "" {
		out.Editor = protocol.DefaultEditor
	}
	if out.System == "" {
		out.System = protocol.DefaultSystem
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Log.File == "" {
		out.Log.File = filepath.Join(out.ExchangeDir, protocol.LogFile)
	}

	setDur(&out.Watcher.Debounce, 250*time.Millisecond)
	setInt(&out.Watcher.Fallbacks, 3)
	setDur(&out.Watcher.FallbackPoll, 2*time.Second)

	setInt(&out.Queue.Capacity, 100)
	setDur(&out.Queue.Interval, 100*time.Millisecond)
	setInt(&out.Queue.BatchSize, 5)
	setDur(&out.Queue.Timeout, 30*time.Second)
	setInt(&out.Queue.MaxRetries, 3)

	a := &out.Audio
	if a.Binary == "" {
		a.Binary = "sox"
	}
	setInt(&a.SampleRate, 16000)
	setInt(&a.Channels, 1)
	setInt(&a.BitDepth, 16)
	setDur(&a.MaxDuration, 5*time.Minute)
	setInt(&a.MinFileSize, 500)
	setDur(&a.VersionTimeout, 2*time.Second)
	setDur(&a.ProbeTimeout, 3*time.Second)
	setDur(&a.EnvTTL, 5*time.Minute)
	setDur(&a.EnvFailureTTL, time.Minute)
	setDur(&a.StopGrace, 3*time.Second)
	setDur(&a.FileWait, 5*time.Second)
	setDur(&a.TranscribeTimeout, 30*time.Second)
	setDur(&a.PollInterval, 100*time.Millisecond)
	setDur(&a.CacheTTL, 10*time.Minute)
	setDur(&a.CleanupDelay, 30*time.Second)
	setDur(&a.StaleAge, 5*time.Minute)

	setDur(&out.Services.HealthInterval, 30*time.Second)
	setDur(&out.Services.RestartBackoff, time.Second)
	setInt(&out.Services.MaxRestartAttempts, 3)

	if out.History.Path == "" && out.Home != "" {
		out.History.Path = filepath.Join(out.Home, DBFile)
	}
	setDur(&out.History.Retention, 30*24*time.Hour)
	return out
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := (&Config{}).withDefaults()
	return &c
}

// ResolveHome returns REVIEWGATE_HOME or ~/.reviewgate.
func ResolveHome() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// Load reads path, or $REVIEWGATE_HOME/config.yaml when path is empty.
// A missing file yields defaults. Files ending in .toml are TOML; anything
// else is YAML. Environment overrides apply after the file.
func Load(path string) (*Config, error) {
	home, err := ResolveHome()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(home, FileName)
	}

	cfg := &Config{}
	data, err := os.ReadFile(path) //nolint:gosec // user-chosen config path
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.Home = home
	cfg.Source = path
	applyEnv(cfg)
	out := cfg.withDefaults()
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &out, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	if v := os.Getenv(EnvExchangeDir); v != "" {
		c.ExchangeDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.History.Path = v
	}
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, "warning", logging.LevelError:
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be positive, got %d", c.Queue.MaxRetries))
	}
	if c.Watcher.Fallbacks < 0 {
		errs = append(errs, fmt.Errorf("watcher.fallbacks must not be negative, got %d", c.Watcher.Fallbacks))
	}
	if c.Services.MaxRestartAttempts < 1 {
		errs = append(errs, fmt.Errorf("services.max_restart_attempts must be positive, got %d", c.Services.MaxRestartAttempts))
	}
	return errors.Join(errs...)
}

// PIDPath is the serve daemon's PID file.
func (c *Config) PIDPath() string { return filepath.Join(c.Home, PIDFile) }

// StatusPath is where serve publishes service status.
func (c *Config) StatusPath() string { return filepath.Join(c.Home, StatusFile) }

// Filter is the trigger filter for this gate.
func (c *Config) Filter() protocol.Filter {
	return protocol.Filter{Editor: c.Editor, System: c.System}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	lc := logging.Config{Level: c.Log.Level, File: c.Log.File, NoColor: c.Log.NoColor}
	if lc.File == "-" {
		lc.File = ""
	}
	return lc
}

// WatcherConfig returns the trigger watcher settings.
func (c *Config) WatcherConfig() watcher.Config {
	return watcher.Config{
		Dir:          c.ExchangeDir,
		Filter:       c.Filter(),
		Debounce:     c.Watcher.Debounce.Std(),
		Fallbacks:    c.Watcher.Fallbacks,
		FallbackPoll: c.Watcher.FallbackPoll.Std(),
	}
}

// QueueConfig returns the queue settings.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Capacity:   c.Queue.Capacity,
		Interval:   c.Queue.Interval.Std(),
		BatchSize:  c.Queue.BatchSize,
		Timeout:    c.Queue.Timeout.Std(),
		MaxRetries: c.Queue.MaxRetries,
	}
}

// AudioConfig returns the recording settings.
func (c *Config) AudioConfig() audio.Config {
	a := c.Audio
	return audio.Config{
		Dir:               c.ExchangeDir,
		Editor:            c.Editor,
		System:            c.System,
		SampleRate:        a.SampleRate,
		Channels:          a.Channels,
		BitDepth:          a.BitDepth,
		MaxDuration:       a.MaxDuration.Std(),
		MinFileSize:       a.MinFileSize,
		VersionTimeout:    a.VersionTimeout.Std(),
		ProbeTimeout:      a.ProbeTimeout.Std(),
		EnvTTL:            a.EnvTTL.Std(),
		EnvFailureTTL:     a.EnvFailureTTL.Std(),
		StopGrace:         a.StopGrace.Std(),
		FileWait:          a.FileWait.Std(),
		TranscribeTimeout: a.TranscribeTimeout.Std(),
		PollInterval:      a.PollInterval.Std(),
		CacheTTL:          a.CacheTTL.Std(),
		CleanupDelay:      a.CleanupDelay.Std(),
		StaleAge:          a.StaleAge.Std(),
	}
}

// OrchestratorConfig returns the supervision settings.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		HealthInterval:     c.Services.HealthInterval.Std(),
		RestartBackoff:     c.Services.RestartBackoff.Std(),
		MaxRestartAttempts: c.Services.MaxRestartAttempts,
	}
}

// Marshal renders c as YAML, for `reviewgate config` and first-run files.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

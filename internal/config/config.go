// Package config loads the process-wide commkit configuration.
//
// Configuration is read once at startup: defaults, then an optional
// commkit.toml file, then environment variables, which always win. The
// loaded values are handed to the components that need them; nothing in
// this package is consulted again afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"commkit/internal/sink"
)

// FileName is the configuration file commkit looks for.
const FileName = "commkit.toml"

// Environment variable names. Values set in the environment override the
// configuration file.
const (
	EnvFlightBufferSize   = "COMMKIT_FLIGHT_BUFFER_SIZE"
	EnvFlightCaptureStack = "COMMKIT_FLIGHT_CAPTURE_STACK"
	EnvEnableTiming       = "COMMKIT_ENABLE_TIMING"
	EnvNonblockingTimeout = "COMMKIT_NONBLOCKING_TIMEOUT"
	EnvDumpFilePrefix     = "COMMKIT_DUMP_FILE_PREFIX"
	EnvWatchdogInterval   = "COMMKIT_WATCHDOG_INTERVAL_MS"
	EnvWatchdogAbort      = "COMMKIT_WATCHDOG_ABORT_ON_ERROR"
)

// Config is the full commkit configuration.
type Config struct {
	Flight   Flight   `toml:"flight"`
	Comm     Comm     `toml:"comm"`
	Watchdog Watchdog `toml:"watchdog"`
	Dump     Dump     `toml:"dump"`
}

// Flight configures the collective flight recorder.
type Flight struct {
	// BufferSize is the trace ring capacity; 0 disables recording.
	BufferSize int `toml:"buffer_size"`
	// CaptureStack captures a call stack per recorded operation.
	CaptureStack bool `toml:"capture_stack"`
	// EnableTiming computes operation durations from timing markers.
	EnableTiming bool `toml:"enable_timing"`
}

// Comm configures communicator handles.
type Comm struct {
	// NonblockingTimeoutSec bounds every nonblocking poll loop, in seconds.
	NonblockingTimeoutSec int `toml:"nonblocking_timeout_sec"`
}

// Watchdog configures the health monitor.
type Watchdog struct {
	// IntervalMS is the poll period in milliseconds.
	IntervalMS int `toml:"interval_ms"`
	// AbortOnError tears down a communicator once a fatal async error is seen.
	AbortOnError bool `toml:"abort_on_error"`
}

// Dump configures where diagnostic dumps land.
type Dump struct {
	// FilePrefix is the rank-suffixed path prefix for the default file sink.
	FilePrefix string `toml:"file_prefix"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Flight: Flight{
			BufferSize:   0,
			CaptureStack: false,
			EnableTiming: false,
		},
		Comm: Comm{
			NonblockingTimeoutSec: 30 * 60,
		},
		Watchdog: Watchdog{
			IntervalMS:   1000,
			AbortOnError: false,
		},
		Dump: Dump{
			FilePrefix: sink.DefaultPrefix(),
		},
	}
}

// NonblockingTimeout returns the poll bound as a duration.
func (c Comm) NonblockingTimeout() time.Duration {
	return time.Duration(c.NonblockingTimeoutSec) * time.Second
}

// Interval returns the watchdog poll period as a duration.
func (w Watchdog) Interval() time.Duration {
	return time.Duration(w.IntervalMS) * time.Millisecond
}

// FindFile walks up from startDir looking for commkit.toml.
func FindFile(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadFile overlays the TOML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Flight.BufferSize = envInt(EnvFlightBufferSize, cfg.Flight.BufferSize)
	cfg.Flight.CaptureStack = envBool(EnvFlightCaptureStack, cfg.Flight.CaptureStack)
	cfg.Flight.EnableTiming = envBool(EnvEnableTiming, cfg.Flight.EnableTiming)
	cfg.Comm.NonblockingTimeoutSec = envInt(EnvNonblockingTimeout, cfg.Comm.NonblockingTimeoutSec)
	cfg.Dump.FilePrefix = envString(EnvDumpFilePrefix, cfg.Dump.FilePrefix)
	cfg.Watchdog.IntervalMS = envInt(EnvWatchdogInterval, cfg.Watchdog.IntervalMS)
	cfg.Watchdog.AbortOnError = envBool(EnvWatchdogAbort, cfg.Watchdog.AbortOnError)
}

// Load resolves the effective configuration: defaults, then the nearest
// commkit.toml above startDir (when present), then the environment. The
// returned path is empty when no file was found.
func Load(startDir string) (Config, string, error) {
	cfg := Default()
	path, ok, err := FindFile(startDir)
	if err != nil {
		return cfg, "", err
	}
	if ok {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, path, err
		}
	}
	ApplyEnv(&cfg)
	return cfg, path, nil
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
	Comm        CommConfig        `mapstructure:"comm"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog"`
	Server      ServerConfig      `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// RecorderConfig configures the flight recorder.
type RecorderConfig struct {
	// BufferSize is the trace capacity; zero disables recording.
	BufferSize   int  `mapstructure:"buffer_size"`
	CaptureStack bool `mapstructure:"capture_stack"`
	EnableTiming bool `mapstructure:"enable_timing"`
}

// CommConfig configures communicator handles.
type CommConfig struct {
	NonblockingTimeout string `mapstructure:"nonblocking_timeout"`
	PollInterval       string `mapstructure:"poll_interval"`
	Nonblocking        bool   `mapstructure:"nonblocking"`
}

// DiagnosticsConfig configures the diagnostic sink and dump trigger.
type DiagnosticsConfig struct {
	DumpPrefix   string `mapstructure:"dump_prefix"`
	TriggerFile  string `mapstructure:"trigger_file"`
	Sink         string `mapstructure:"sink"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	IncludeStack bool   `mapstructure:"include_stack"`
}

// WatchdogConfig configures the watchdog loop.
type WatchdogConfig struct {
	Interval      string `mapstructure:"interval"`
	Timeout       string `mapstructure:"timeout"`
	DumpOnTimeout bool   `mapstructure:"dump_on_timeout"`
}

// ServerConfig configures the control-plane server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ParseDuration accepts a Go duration ("30m", "2ms") or a bare number of
// seconds, the form used by the legacy environment variables.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// NonblockingTimeoutDuration returns the parsed policy timeout.
func (c CommConfig) NonblockingTimeoutDuration() (time.Duration, error) {
	return ParseDuration(c.NonblockingTimeout)
}

// PollIntervalDuration returns the parsed policy poll interval.
func (c CommConfig) PollIntervalDuration() (time.Duration, error) {
	return ParseDuration(c.PollInterval)
}

// IntervalDuration returns the parsed watchdog interval.
func (c WatchdogConfig) IntervalDuration() (time.Duration, error) {
	return ParseDuration(c.Interval)
}

// TimeoutDuration returns the parsed default collective timeout.
func (c WatchdogConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDuration(c.Timeout)
}

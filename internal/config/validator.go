package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateRecorder(&cfg.Recorder)
	v.validateComm(&cfg.Comm)
	v.validateDiagnostics(&cfg.Diagnostics)
	v.validateWatchdog(&cfg.Watchdog)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateRecorder(cfg *RecorderConfig) {
	if cfg.BufferSize < 0 {
		v.addError("recorder.buffer_size", cfg.BufferSize, "must be zero (disabled) or positive")
	}
}

// validatePositiveDuration checks that value parses to a duration > 0, or
// >= 0 when zero is allowed.
func (v *Validator) validatePositiveDuration(field, value string, allowZero bool) {
	d, err := ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 || (d == 0 && !allowZero) {
		v.addError(field, value, "must be positive")
	}
}

func (v *Validator) validateComm(cfg *CommConfig) {
	v.validatePositiveDuration("comm.nonblocking_timeout", cfg.NonblockingTimeout, false)
	// Zero busy-polls with a yield between attempts.
	v.validatePositiveDuration("comm.poll_interval", cfg.PollInterval, true)
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	switch cfg.Sink {
	case SinkFile:
		if cfg.DumpPrefix == "" {
			v.addError("diagnostics.dump_prefix", cfg.DumpPrefix, "required for the file sink")
		} else if !isValidPath(cfg.DumpPrefix) {
			v.addError("diagnostics.dump_prefix", cfg.DumpPrefix, "invalid path")
		}
	case SinkSQLite:
		if cfg.SQLitePath == "" {
			v.addError("diagnostics.sqlite_path", cfg.SQLitePath, "required for the sqlite sink")
		}
	default:
		v.addError("diagnostics.sink", cfg.Sink, "must be one of: file, sqlite")
	}

	if cfg.TriggerFile != "" && !isValidPath(cfg.TriggerFile) {
		v.addError("diagnostics.trigger_file", cfg.TriggerFile, "invalid path")
	}
}

func (v *Validator) validateWatchdog(cfg *WatchdogConfig) {
	v.validatePositiveDuration("watchdog.interval", cfg.Interval, false)
	v.validatePositiveDuration("watchdog.timeout", cfg.Timeout, false)
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("server.addr", cfg.Addr, "must be host:port")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}

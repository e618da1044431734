package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "NCCLWATCH",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "NCCLWATCH",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (NCCLWATCH_*)
// 3. Legacy environment variables (TORCH_NCCL_*)
// 4. Project config (.ncclwatch.yaml in current directory)
// 5. User config (~/.config/ncclwatch/config.yaml)
// 6. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	if err := bindLegacyEnv(l.v); err != nil {
		return nil, fmt.Errorf("binding legacy environment: %w", err)
	}

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".ncclwatch")
		l.v.SetConfigType("yaml")

		// First found wins.
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "ncclwatch"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Recording is off unless a capacity is configured.
	l.v.SetDefault("recorder.buffer_size", 0)
	l.v.SetDefault("recorder.capture_stack", false)
	l.v.SetDefault("recorder.enable_timing", false)

	l.v.SetDefault("comm.nonblocking_timeout", "30m")
	l.v.SetDefault("comm.poll_interval", "2ms")
	l.v.SetDefault("comm.nonblocking", false)

	l.v.SetDefault("diagnostics.dump_prefix", "/tmp/nccl_trace_rank_")
	l.v.SetDefault("diagnostics.trigger_file", "")
	l.v.SetDefault("diagnostics.sink", SinkFile)
	l.v.SetDefault("diagnostics.sqlite_path", ".ncclwatch/dumps.db")
	l.v.SetDefault("diagnostics.include_stack", true)

	l.v.SetDefault("watchdog.interval", "100ms")
	l.v.SetDefault("watchdog.timeout", "10m")
	l.v.SetDefault("watchdog.dump_on_timeout", true)

	l.v.SetDefault("server.addr", "127.0.0.1:9780")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

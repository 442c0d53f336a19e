// Package config loads midiport settings from a YAML file and MIDIPORT_*
// environment variables and turns them into client options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leandrodaf/midiport/internal/logger"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	// ClientName is registered with backends that need a native client.
	ClientName string `mapstructure:"client_name"`
	// Backend names the backend; empty selects the platform default.
	Backend string `mapstructure:"backend"`
	// Ignore lists message classes inputs drop: sysex, time, sense.
	Ignore []string `mapstructure:"ignore"`
	// MaxSysExSize bounds reassembled SysEx messages, 0 is unbounded.
	MaxSysExSize int `mapstructure:"max_sysex_size"`

	ALSA ALSAConfig `mapstructure:"alsa"`
	Log  LogConfig  `mapstructure:"log"`
}

// ALSAConfig locates the rawmidi device and proc trees.
type ALSAConfig struct {
	DeviceDir string `mapstructure:"device_dir"`
	ProcDir   string `mapstructure:"proc_dir"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ClientName: "midiport",
		Ignore:     []string{"sysex", "time", "sense"},
		ALSA:       ALSAConfig{DeviceDir: "/dev/snd", ProcDir: "/proc/asound"},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path when it is non-empty, otherwise it
// searches ./midiport.yaml and ~/.midiport/midiport.yaml. Environment
// variables use the prefix MIDIPORT with `.` replaced by `_`, for example
// MIDIPORT_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MIDIPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("client_name", cfg.ClientName)
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("ignore", cfg.Ignore)
	v.SetDefault("max_sysex_size", cfg.MaxSysExSize)
	v.SetDefault("alsa.device_dir", cfg.ALSA.DeviceDir)
	v.SetDefault("alsa.proc_dir", cfg.ALSA.ProcDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("MIDIPORT_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("midiport")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".midiport"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, ok := contracts.ParseLogLevel(strings.ToLower(strings.TrimSpace(c.Log.Level))); !ok {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.MaxSysExSize < 0 {
		return fmt.Errorf("invalid max_sysex_size: %d", c.MaxSysExSize)
	}
	if _, err := ParseIgnore(c.Ignore); err != nil {
		return err
	}
	return nil
}

// ParseIgnore turns class names into ignore flags. "none" and "all" are
// accepted as well.
func ParseIgnore(names []string) (contracts.Ignore, error) {
	flags := contracts.IgnoreNone
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sysex":
			flags |= contracts.IgnoreSysEx
		case "time":
			flags |= contracts.IgnoreTime
		case "sense", "active_sense":
			flags |= contracts.IgnoreActiveSense
		case "all":
			flags |= contracts.IgnoreAll
		case "none", "":
		default:
			return 0, fmt.Errorf("invalid ignore class: %q", name)
		}
	}
	return flags, nil
}

// Logger builds the logger described by the log section.
func (c *Config) Logger() (contracts.Logger, contracts.LogLevel, error) {
	level, _ := contracts.ParseLogLevel(strings.ToLower(strings.TrimSpace(c.Log.Level)))
	l, err := logger.New(logger.Options{
		Level:   level,
		Format:  c.Log.Format,
		Outputs: c.Log.Outputs,
		Rotation: logger.Rotation{
			Enable:     c.Log.Rotation.Enable,
			MaxSizeMB:  c.Log.Rotation.MaxSizeMB,
			MaxBackups: c.Log.Rotation.MaxBackups,
			MaxAgeDays: c.Log.Rotation.MaxAgeDays,
			Compress:   c.Log.Rotation.Compress,
		},
		Development: c.Log.Development,
	})
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return l, level, nil
}

// Options converts the configuration into client options.
func (c *Config) Options() ([]contracts.Option, error) {
	ignore, err := ParseIgnore(c.Ignore)
	if err != nil {
		return nil, err
	}
	l, level, err := c.Logger()
	if err != nil {
		return nil, err
	}
	return []contracts.Option{
		contracts.WithLogger(l),
		contracts.WithLogLevel(level),
		contracts.WithClientName(c.ClientName),
		contracts.WithBackend(c.Backend),
		contracts.WithIgnore(ignore),
		contracts.WithMaxSysExSize(c.MaxSysExSize),
		contracts.WithCoreMIDIConfig(contracts.CoreMIDIConfig{ClientName: c.ClientName}),
		contracts.WithALSAConfig(contracts.ALSAConfig{DeviceDir: c.ALSA.DeviceDir, ProcDir: c.ALSA.ProcDir}),
	}, nil
}

package log

import (
	"errors"
	"fmt"
	"path/filepath"
)

// LogCfg configures the process logger. It is usually decoded from the host
// configuration file, so every field carries a mapstructure tag.
type LogCfg struct {
	// LogPath is the file the file appender writes to. Parent directories are
	// not created.
	LogPath string `mapstructure:"path"`

	// LevelName is the textual minimum level ("trace" .. "fatal"). When set it
	// overrides LogLevel during Validate.
	LevelName string `mapstructure:"level"`

	// LogLevel is the minimum level that reaches the appenders.
	LogLevel Level `mapstructure:"-"`

	// FileAppender enables appending to LogPath.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables human readable output on stdout.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// NoColor disables ANSI colors on the console appender.
	NoColor bool `mapstructure:"noColor"`

	// EnabledCallerInfo adds file:line of the log call site.
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`

	// CallerSkip is the number of extra frames to skip for caller info.
	CallerSkip int `mapstructure:"callerSkip"`
}

// Validate checks the configuration and resolves LevelName.
func (cfg *LogCfg) Validate() error {
	if cfg.LevelName != "" {
		cfg.LogLevel = ParseLevel(cfg.LevelName)
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = InfoLevel
	}
	if cfg.LogLevel < TraceLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d, must be between %d (Trace) and %d (Fatal)",
			cfg.LogLevel, TraceLevel, FatalLevel)
	}
	if cfg.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be non-negative, got %d", cfg.CallerSkip)
	}
	if cfg.FileAppender {
		if cfg.LogPath == "" {
			return errors.New("log path cannot be empty when file appender is enabled")
		}
		cfg.LogPath = filepath.Clean(cfg.LogPath)
	}
	if !cfg.FileAppender && !cfg.ConsoleAppender {
		return errors.New("at least one appender (file or console) must be enabled")
	}
	return nil
}

var _defaultCfg = LogCfg{
	LogLevel:        InfoLevel,
	ConsoleAppender: true,
	CallerSkip:      0,
}

func getDefaultCfg() *LogCfg {
	cfg := _defaultCfg
	return &cfg
}

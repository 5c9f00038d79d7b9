// Package log is the structured logger shared by every openplay package. It
// keeps a process-wide default logger behind package-level helpers so call
// sites read as log.Info().Str("k", v).Msg("...").
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEvent is a single log entry under construction.
type LogEvent = zerolog.Event

// Logger defines the logging surface used across the module.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
}

// LogAppender is an output sink of a GameLogger.
type LogAppender interface {
	io.Writer
	Close() error
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewConsoleAppender returns a human readable appender writing to stdout.
func NewConsoleAppender(noColor bool) LogAppender {
	return nopCloser{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli, NoColor: noColor}}
}

// NewFileAppender opens path for appending JSON lines.
func NewFileAppender(path string) (LogAppender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewWriterAppender wraps an arbitrary writer, mostly for tests.
func NewWriterAppender(w io.Writer) LogAppender {
	return nopCloser{w}
}

// GameLogger is the zerolog-backed Logger implementation.
type GameLogger struct {
	zl        zerolog.Logger
	appenders []LogAppender
	cfg       *LogCfg
}

// NewLogger builds a logger from cfg. File appender errors fall back to the
// console so that a bad path never silences the process.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	var appenders []LogAppender
	if cfg.ConsoleAppender {
		appenders = append(appenders, NewConsoleAppender(cfg.NoColor))
	}
	if cfg.FileAppender {
		if fa, err := NewFileAppender(cfg.LogPath); err == nil {
			appenders = append(appenders, fa)
		} else if !cfg.ConsoleAppender {
			appenders = append(appenders, NewConsoleAppender(cfg.NoColor))
		}
	}
	return NewLoggerWithAppenders(cfg, appenders...)
}

// NewLoggerWithAppenders builds a logger writing to the given appenders.
func NewLoggerWithAppenders(cfg *LogCfg, appenders ...LogAppender) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	writers := make([]io.Writer, 0, len(appenders))
	for _, a := range appenders {
		writers = append(writers, a)
	}
	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.LogLevel.zerolog()).
		With().Timestamp()
	if cfg.EnabledCallerInfo {
		ctx = ctx.CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + cfg.CallerSkip)
	}
	return &GameLogger{zl: ctx.Logger(), appenders: appenders, cfg: cfg}
}

// With returns a child logger that stamps every entry with component=name.
func (l *GameLogger) With(component string) *GameLogger {
	return &GameLogger{
		zl:        l.zl.With().Str("component", component).Logger(),
		appenders: l.appenders,
		cfg:       l.cfg,
	}
}

func (l *GameLogger) Trace() *LogEvent { return l.zl.Trace() }
func (l *GameLogger) Debug() *LogEvent { return l.zl.Debug() }
func (l *GameLogger) Info() *LogEvent  { return l.zl.Info() }
func (l *GameLogger) Warn() *LogEvent  { return l.zl.Warn() }
func (l *GameLogger) Error() *LogEvent { return l.zl.Error() }

// Fatal logs at fatal level without terminating the process.
func (l *GameLogger) Fatal() *LogEvent { return l.zl.WithLevel(zerolog.FatalLevel) }

// Close closes every appender.
func (l *GameLogger) Close() {
	for _, a := range l.appenders {
		_ = a.Close()
	}
}

var (
	_defaultLogger = NewLogger(getDefaultCfg())
	_lock          sync.RWMutex
)

// Initialize replaces the default logger with one built from cfg. A nil cfg
// restores the default console logger.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger swaps the package-level logger.
func SetDefaultLogger(logger *GameLogger) {
	_lock.Lock()
	_defaultLogger = logger
	_lock.Unlock()
}

// Default returns the package-level logger.
func Default() *GameLogger {
	_lock.RLock()
	defer _lock.RUnlock()
	return _defaultLogger
}

// Close closes the default logger's appenders.
func Close() { Default().Close() }

// With is shorthand for Default().With(component).
func With(component string) *GameLogger { return Default().With(component) }

func Trace() *LogEvent { return Default().Trace() }
func Debug() *LogEvent { return Default().Debug() }
func Info() *LogEvent  { return Default().Info() }
func Warn() *LogEvent  { return Default().Warn() }
func Error() *LogEvent { return Default().Error() }
func Fatal() *LogEvent { return Default().Fatal() }

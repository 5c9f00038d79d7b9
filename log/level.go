package log

import (
	"strings"

	"github.com/rs/zerolog"
)

// Level is the severity of a log entry. Higher values are more severe.
type Level int8

// Logging level constants for structured severity-based log filtering.
// Higher numeric values indicate more critical levels with stricter output filtering.
const (
	// TraceLevel logs every packet and callback. Very noisy.
	TraceLevel Level = iota + 1

	// DebugLevel logs endpoint state changes and queue growth.
	DebugLevel

	// InfoLevel logs module discovery, joins, leaves and game lifecycle.
	InfoLevel

	// WarnLevel logs recoverable problems such as dropped or malformed messages.
	WarnLevel

	// ErrorLevel logs failed operations.
	ErrorLevel

	// FatalLevel logs broken invariants. It never exits the process.
	FatalLevel
)

// String returns the human-readable string representation of the log level.
// Provides uppercase level names compatible with industry standards and configuration parsing.
func (l Level) String() string {
	switch l {
	case TraceLevel:
		return "TRACE"
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts string representation to Level enum value with case-insensitive parsing.
// Returns InfoLevel for invalid inputs, ensuring safe defaults in configuration scenarios.
func ParseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return TraceLevel
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	}
	return InfoLevel // Default to InfoLevel for unrecognized inputs
}

// zerolog maps the level onto the backing logger's level set.
func (l Level) zerolog() zerolog.Level {
	switch l {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

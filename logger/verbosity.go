package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the -v flag count
const (
	VerbosityConfig = 0 // No flags: logging.level from am.toml
	VerbosityInfo   = 1 // -v
	VerbosityDebug  = 2 // -vv
)

// levelFor picks the level a -v count asks for, falling back to the configured level
func levelFor(verbosity int, configured string) zapcore.Level {
	switch {
	case verbosity >= VerbosityDebug:
		return zapcore.DebugLevel
	case verbosity == VerbosityInfo:
		if l := parseLevel(configured); l < zapcore.InfoLevel {
			return l
		}
		return zapcore.InfoLevel
	default:
		return parseLevel(configured)
	}
}

// LevelName returns a human-readable name for verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityConfig:
		return "configured"
	case verbosity == VerbosityInfo:
		return "info (-v)"
	default:
		return "debug (-vv)"
	}
}

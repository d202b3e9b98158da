package logger

import (
	"log/slog"
	"os"
)

var log *slog.Logger

func init() {
	level := new(slog.LevelVar)
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		// slog accepts DEBUG/INFO/WARN/ERROR case-insensitively;
		// unknown values keep the INFO default.
		_ = level.UnmarshalText([]byte(s))
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	// Code using slog directly gets JSON output too.
	slog.SetDefault(log)
}

func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	log.Error(msg, args...)
}

// Fatal logs at error level and exits with status 1.
func Fatal(msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}

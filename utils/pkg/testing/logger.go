package laketesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/dimlake/utils/pkg/logger"
)

// NewLogger returns a stderr logger for tests. DEBUG=2 shows debug output,
// DEBUG=1 info and above, otherwise only errors. LOG_FORMAT=json switches to
// JSON lines.
func NewLogger() *slog.Logger {
	level := levelFromEnv(os.Getenv("DEBUG"))
	format, err := logger.ParseFormat(os.Getenv("LOG_FORMAT"))
	if err != nil {
		format = logger.FormatText
	}
	return logger.NewWithOptions(logger.Options{Level: &level, Format: format, Writer: os.Stderr})
}

func levelFromEnv(v string) slog.Level {
	switch v {
	case "2":
		return slog.LevelDebug
	case "1":
		return slog.LevelInfo
	default:
		return slog.LevelError
	}
}

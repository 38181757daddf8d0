package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
)

// gooseLogger adapts slog.Logger to the goose.Logger interface.
type gooseLogger struct {
	log *slog.Logger
}

func GooseLogger(log *slog.Logger) goose.Logger {
	return &gooseLogger{log: log}
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/vernisos/verniskernel/coreengine/console"
)

// slogLogger adapts log/slog to the kernel Logger interface.
type slogLogger struct {
	l *slog.Logger
}

func newSlogLogger(w io.Writer, level string) *slogLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &slogLogger{l: slog.New(handler)}
}

func (s *slogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *slogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *slogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s *slogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleEmitter prints kernel console lines through a colored terminal logger.
func consoleEmitter() console.Emitter {
	l := logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "console"))
	return console.EmitterFunc(func(line string) {
		l.Infoln(line)
	})
}

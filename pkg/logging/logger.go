package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mdobak/go-xerrors"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/afero"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

type Logger struct {
	logger *slog.Logger
}

func DefaultLogger() *Logger {
	return NewLogger(slog.LevelDebug, nil)
}

// Creates a logger backed by a JSON log file handler, fanned out
// to a text handler on stdout when debug level logging is enabled.
// A nil log file discards the JSON stream.
func NewLogger(level slog.Level, logFile afero.File) *Logger {

	var logger *slog.Logger

	var logWriter io.Writer = io.Discard
	if logFile != nil {
		logWriter = logFile
	}
	logfileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level: level,
	})

	if level == slog.LevelDebug {

		textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})

		logger = slog.New(
			slogmulti.Fanout(logfileHandler, textHandler),
		)

	} else {

		logger = slog.New(logfileHandler)
	}

	return &Logger{
		logger: logger,
	}
}

// Creates a logger from the provided slog handler. Used by tests to
// capture and assert on emitted records, and by embedders that fan
// log output into their own sinks.
func NewLoggerWithHandler(handler slog.Handler) *Logger {
	return &Logger{
		logger: slog.New(handler),
	}
}

// Debug
func (l *Logger) Debug(message string, args ...any) {
	l.logger.Debug(message, args...)
}

func (l *Logger) Debugf(message string, args ...any) {
	l.logger.Debug(fmt.Sprintf(message, args...))
}

// Info
func (l *Logger) Info(message string, args ...any) {
	l.logger.Info(message, args...)
}

func (l *Logger) Infof(message string, args ...any) {
	l.logger.Info(fmt.Sprintf(message, args...))
}

// Warn
func (l *Logger) Warn(message string, args ...any) {
	l.logger.Warn(message, args...)
}

func (l *Logger) Warnf(message string, args ...any) {
	l.logger.Warn(fmt.Sprintf(message, args...))
}

// Error
func (l *Logger) Error(err error, args ...any) {
	if l == nil || l.logger == nil {
		// Error occurred before the logger was
		// initialized
		slog.Error(err.Error(), args...)
		return
	}
	xerr := xerrors.New(err)
	l.logger.Error(err.Error(), slog.Any("error", xerr))
}

func (l *Logger) Errorf(message string, args ...any) {
	l.logger.Error(fmt.Sprintf(message, args...))
}

// Fatal
func (l *Logger) Fatal(message string, args ...any) {
	l.logger.Error(message, args...)
	os.Exit(-1)
}

func (l *Logger) Fatalf(message string, args ...any) {
	l.Fatal(fmt.Sprintf(message, args...))
}

func (l *Logger) FatalError(err error) {
	l.Error(err)
	os.Exit(-1)
}

package logging

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {

	logger := NewLogger(slog.LevelDebug, nil)

	logger.Info("info test")
	logger.Warn("warn test")
	logger.Debug("debug test")
}

func TestError(t *testing.T) {

	logger := NewLogger(slog.LevelDebug, nil)

	err := errors.New("an error occurred")

	logger.Info("info test")
	logger.Warn("warn test")
	logger.Error(err)
	logger.Debug("debug test")
}

func TestRecordingHandler(t *testing.T) {

	recorder := NewRecordingHandler()
	logger := NewLoggerWithHandler(recorder)

	logger.Info("processing cert", "name", "UDS")
	logger.Debugf("seed #%d", 0)

	messages := recorder.Messages()
	assert.Equal(t, []string{"processing cert", "seed #0"}, messages)

	records := recorder.Records()
	assert.Len(t, records, 2)
	assert.Equal(t, slog.LevelInfo, records[0].Level)
	assert.Equal(t, slog.LevelDebug, records[1].Level)
}

package logging

import (
	"context"
	"log/slog"
	"sync"
)

// RecordingHandler is a slog.Handler that captures every record it
// receives. Tests inject it through NewLoggerWithHandler to assert on
// the structured events a component emits without capturing process
// wide output.
type RecordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
}

func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{}
}

func (h *RecordingHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *RecordingHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record.Clone())
	return nil
}

func (h *RecordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs = append(h.attrs, attrs...)
	return h
}

func (h *RecordingHandler) WithGroup(name string) slog.Handler {
	return h
}

// Returns a snapshot of the captured records
func (h *RecordingHandler) Records() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := make([]slog.Record, len(h.records))
	copy(records, h.records)
	return records
}

// Returns the messages of the captured records in arrival order
func (h *RecordingHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	messages := make([]string, len(h.records))
	for i, record := range h.records {
		messages[i] = record.Message
	}
	return messages
}

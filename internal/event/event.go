// Package event defines the observer interface for lifecycle events.
//
// Core components emit events at lifecycle boundaries (alias swapped, snapshot
// deleted, cache evicted). Sinks are optional observers: Emit errors and panics
// must never reach the emitting component, so implementations are expected to
// be total, and emit sites never check a return value. Real telemetry backends
// live outside this module and plug in through Sink.
package event

import (
	"log/slog"
	"time"

	"codequarry/internal/logging"
)

// Event is one lifecycle occurrence.
type Event struct {
	// Code identifies the occurrence, dot-separated, lowercase
	// (e.g. "refresh.swapped", "cleanup.deleted").
	Code string
	At   time.Time
	// Fields carries event-specific attributes, alias and path names mostly.
	Fields map[string]any
}

// Sink receives events. Implementations must not block the caller for long;
// slow transports buffer internally or drop.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// SlogSink writes events to a structured logger at Info level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over logger. A nil logger discards.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logging.Default(logger)}
}

func (s *SlogSink) Emit(ev Event) {
	attrs := make([]any, 0, 2+2*len(ev.Fields))
	attrs = append(attrs, "at", ev.At)
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	s.logger.Info(ev.Code, attrs...)
}

// Default returns sink if non-nil, otherwise a NopSink. The standard pattern
// for optional sink parameters, mirroring logging.Default.
func Default(sink Sink) Sink {
	if sink != nil {
		return sink
	}
	return NopSink{}
}

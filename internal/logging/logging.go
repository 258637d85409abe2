// Package logging provides utilities for structured logging across the server.
//
// Loggers are dependency-injected, never global. A component receives a
// *slog.Logger in its Config, defaults it with Default, and scopes it once at
// construction with logger.With("component", name). Global configuration
// (format, level, destination) belongs only in main; components never call
// slog.SetDefault.
//
// Logging is sparse by convention: lifecycle boundaries and swallowed
// observer errors are the intended log points, never per-hit or per-row work.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. The standard
// pattern for optional logger parameters:
//
//	logger = logging.Default(cfg.Logger).With("component", "registry")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler filters records by per-component log level. The
// component is identified by the "component" attribute, whether attached via
// logger.With at construction or passed on an individual call. Levels can be
// raised and lowered at runtime, which is how operators turn on debug logging
// for one subsystem without drowning in the rest.
type ComponentFilterHandler struct {
	base slog.Handler
	def  slog.Level

	mu     *sync.RWMutex
	levels map[string]slog.Level

	// component is resolved eagerly when a clone is created through
	// WithAttrs with a "component" attribute. Empty means unknown until
	// Handle inspects the record.
	component string
}

// NewComponentFilterHandler wraps base with per-component level filtering.
// Records from components without an override are filtered at def.
func NewComponentFilterHandler(base slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		base:   base,
		def:    def,
		mu:     &sync.RWMutex{},
		levels: make(map[string]slog.Level),
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.mu.Lock()
	h.levels[component] = level
	h.mu.Unlock()
}

// ClearLevel removes a component override, restoring the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.mu.Lock()
	delete(h.levels, component)
	h.mu.Unlock()
}

// Level reports the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if l, ok := h.levels[component]; ok {
		return l
	}
	return h.def
}

// DefaultLevel reports the level applied to components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level { return h.def }

// floor is the lowest level any component is currently allowed to log at.
// Enabled must admit records at this level because the component may not be
// known until Handle sees the record's attributes.
func (h *ComponentFilterHandler) floor() slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	min := h.def
	for _, l := range h.levels {
		if l < min {
			min = l
		}
	}
	return min
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.Level(h.component)
	}
	return level >= h.floor()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	return h.base.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.base = h.base.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.base = h.base.WithGroup(name)
	return &clone
}

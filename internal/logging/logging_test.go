package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("ignored")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should never be enabled")
	}
}

func TestDefault(t *testing.T) {
	if Default(nil).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Default(nil) should return a discard logger")
	}
	var buf bytes.Buffer
	original := slog.New(slog.NewTextHandler(&buf, nil))
	if Default(original) != original {
		t.Error("Default should return the same logger when non-nil")
	}
}

// countHandler counts handled records. WithAttrs clones share the counter.
type countHandler struct {
	mu *sync.Mutex
	n  *int
}

func newCountHandler() countHandler {
	return countHandler{mu: &sync.Mutex{}, n: new(int)}
}

func (h countHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h countHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	*h.n++
	h.mu.Unlock()
	return nil
}
func (h countHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h countHandler) WithGroup(string) slog.Handler      { return h }
func (h countHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.n
}

func TestComponentFilterHandler_DefaultLevel(t *testing.T) {
	capture := newCountHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("info", "component", "registry")
	logger.Debug("debug", "component", "registry")
	logger.Warn("warn", "component", "registry")

	if got := capture.count(); got != 2 {
		t.Errorf("records = %d, want 2 (debug filtered)", got)
	}
}

func TestComponentFilterHandler_SetAndClearLevel(t *testing.T) {
	capture := newCountHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("refresh", slog.LevelDebug)

	logger.Debug("a", "component", "refresh")
	logger.Debug("b", "component", "dispatch")
	if got := capture.count(); got != 1 {
		t.Fatalf("records = %d, want 1 (only refresh at debug)", got)
	}

	filter.ClearLevel("refresh")
	logger.Debug("c", "component", "refresh")
	if got := capture.count(); got != 1 {
		t.Errorf("records = %d, want 1 (debug filtered after clear)", got)
	}

	if level := filter.Level("refresh"); level != slog.LevelInfo {
		t.Errorf("level after clear = %v, want %v", level, slog.LevelInfo)
	}
	if level := filter.DefaultLevel(); level != slog.LevelInfo {
		t.Errorf("default level = %v, want %v", level, slog.LevelInfo)
	}
}

func TestComponentFilterHandler_ComponentFromWith(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	logger := slog.New(filter)

	refreshLogger := logger.With("component", "refresh")
	dispatchLogger := logger.With("component", "dispatch")

	filter.SetLevel("refresh", slog.LevelDebug)
	refreshLogger.Debug("refresh debug")
	dispatchLogger.Debug("dispatch debug")

	out := buf.String()
	if !strings.Contains(out, "refresh debug") {
		t.Errorf("expected refresh debug record, got: %s", out)
	}
	if strings.Contains(out, "dispatch debug") {
		t.Errorf("unexpected dispatch debug record: %s", out)
	}
}

func TestComponentFilterHandler_NoComponentUsesDefault(t *testing.T) {
	capture := newCountHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("plain info")
	logger.Debug("plain debug")
	if got := capture.count(); got != 1 {
		t.Errorf("records = %d, want 1", got)
	}
}

func TestComponentFilterHandler_Concurrent(t *testing.T) {
	capture := newCountHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				logger.Info("message", "component", "jobs")
			}
		})
		wg.Go(func() {
			for range 50 {
				filter.SetLevel("jobs", slog.LevelDebug)
				filter.ClearLevel("jobs")
			}
		})
	}
	wg.Wait()

	if got := capture.count(); got != 8*50 {
		t.Errorf("records = %d, want %d", got, 8*50)
	}
}

func TestComponentFilterHandler_WithGroupStillFilters(t *testing.T) {
	capture := newCountHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter.WithGroup("req"))

	logger.Info("info", "component", "access")
	logger.Debug("debug", "component", "access")
	if got := capture.count(); got != 1 {
		t.Errorf("records = %d, want 1", got)
	}
}

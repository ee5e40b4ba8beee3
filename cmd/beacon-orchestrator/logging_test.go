// ABOUTME: Tests for the colorized log handler
// ABOUTME: Checks level filtering, attribute flattening and LogValuer resolution

package main

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/beacon-orchestrator/internal/config"
	"github.com/2389/beacon-orchestrator/internal/events"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(&colorHandler{out: buf, mu: &sync.Mutex{}, level: level})
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo).With("component", "monitor")

	logger.Debug("hidden")
	logger.Info("job finished", "task_id", "t1")
	logger.WithGroup("agent").Warn("slow", "address", "https://a:5003")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF job finished component=monitor task_id=t1")
	assert.Contains(t, out, "WRN slow component=monitor agent.address=https://a:5003")
}

func TestColorHandler_ResolvesEvents(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelDebug)

	ev := events.New(events.KindJobCreated, "https://a:5003", "t1", "example.com")
	logger.Info("event", "event", ev)

	assert.Contains(t, buf.String(), "event.kind=job_created")
	assert.Contains(t, buf.String(), "event.task_id=t1")
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "debug"})
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, logger.Underlying())
	assert.Equal(t, cfg, logger.config)
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewDualCore_OTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = true

	core, err := newDualCore(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, core)

	cfg.Output.Stdout = false
	_, err = newDualCore(cfg, nil)
	assert.ErrorContains(t, err, "at least one output")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithConversationID(context.Background(), "conv-1")

	tests := []struct {
		name  string
		log   func()
		level zapcore.Level
		msg   string
	}{
		{"trace", func() { tl.Trace(ctx, "trace message") }, TraceLevel, "trace message"},
		{"debug", func() { tl.Debug(ctx, "debug message") }, zapcore.DebugLevel, "debug message"},
		{"info", func() { tl.Info(ctx, "info message") }, zapcore.InfoLevel, "info message"},
		{"warn", func() { tl.Warn(ctx, "warn message") }, zapcore.WarnLevel, "warn message"},
		{"error", func() { tl.Error(ctx, "error message") }, zapcore.ErrorLevel, "error message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.log()
			tl.AssertLogged(t, tt.level, tt.msg)
			tl.AssertField(t, tt.msg, "conversation.id", "conv-1")
		})
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "matcher")).Named("plsd")

	child.Info(context.Background(), "child entry")

	entries := tl.FilterMessage("child entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "plsd", entries[0].LoggerName)
	tl.AssertField(t, "child entry", "component", "matcher")
}

func TestWrap(t *testing.T) {
	assert.NotNil(t, Wrap(nil).Underlying())

	tl := NewTestLogger()
	w := Wrap(tl.Underlying())
	w.Info(context.Background(), "wrapped")
	tl.AssertLogged(t, zapcore.InfoLevel, "wrapped")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

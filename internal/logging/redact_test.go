package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/config"
)

func newRedactingLogger(t *testing.T, cfg RedactionConfig) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)), &buf
}

func TestRedactingEncoder_Fields(t *testing.T) {
	logger, buf := newRedactingLogger(t, NewDefaultConfig().Redaction)

	logger.Info("inbound",
		zap.String("message_text", "what are your hours"),
		zap.String("phone", "+1 902 555 0100"),
		zap.String("api_key", "sk-123"),
		zap.String("pattern_id", "abc"))

	out := buf.String()
	assert.NotContains(t, out, "what are your hours")
	assert.NotContains(t, out, "555 0100")
	assert.NotContains(t, out, "sk-123")
	assert.Contains(t, out, `"pattern_id":"abc"`)
}

func TestRedactingEncoder_PatternsInValuesAndMessage(t *testing.T) {
	logger, buf := newRedactingLogger(t, NewDefaultConfig().Redaction)

	logger.Warn("send to (902) 555-0100 failed",
		zap.Error(errors.New("webhook rejected 902-555-0100: Bearer abc.def")))

	out := buf.String()
	assert.NotContains(t, out, "555-0100")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "webhook rejected [REDACTED]")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	logger, buf := newRedactingLogger(t, NewDefaultConfig().Redaction)

	logger.With(zap.String("token", "t0k3n")).Info("child")
	assert.NotContains(t, buf.String(), "t0k3n")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	logger, buf := newRedactingLogger(t, RedactionConfig{})
	logger.Info("plain", zap.String("password", "hunter2"))
	assert.Contains(t, buf.String(), "hunter2")
}

func TestNewRedactingEncoder_RejectsBadPatterns(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"[a-"}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	logger, buf := newRedactingLogger(t, RedactionConfig{})
	logger.Info("configured", Secret("embeddings_key", config.Secret("abcdef")), RedactedString("note", "xyz"))

	out := buf.String()
	assert.NotContains(t, out, "abcdef")
	assert.Contains(t, out, "[REDACTED:6]")
	assert.Contains(t, out, "[REDACTED:3]")
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// Sender delivers an outbound reply to a conversation. It is called only for
// AUTO_EXECUTE decisions.
type Sender interface {
	Send(ctx context.Context, conversationID, text string, prov pattern.Provenance) error
}

// LogSender logs replies instead of delivering them. Useful with shadow
// mode and in development.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, conversationID, text string, prov pattern.Provenance) error {
	s.logger.Info("outbound reply (log sender)",
		zap.String("conversation_id", conversationID),
		zap.String("message_hash", pattern.MessageHash(text)),
		zap.String("origin", string(prov.Origin)),
		zap.String("pattern_id", prov.PatternID),
		zap.String("execution_id", prov.ExecutionID))
	return nil
}

// WebhookSender POSTs replies as JSON to the outbound channel.
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
}

// webhookPayload is the body sent to the outbound webhook. Provenance is
// metadata for the channel and is not shown to the customer.
type webhookPayload struct {
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text"`
	Provenance     pattern.Provenance `json:"provenance"`
}

// NewWebhookSender creates a sender for url. token, when set, is sent as a
// bearer token.
func NewWebhookSender(url, token string, timeout time.Duration) (*WebhookSender, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{url: url, token: token, client: &http.Client{Timeout: timeout}}, nil
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, conversationID, text string, prov pattern.Provenance) error {
	body, err := json.Marshal(webhookPayload{ConversationID: conversationID, Text: text, Provenance: prov})
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: outbound send: %w", pattern.ErrDependencyTimeout, err)
		}
		return fmt.Errorf("%w: outbound send: %w", pattern.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: outbound send: status %d", pattern.ErrDependencyUnavailable, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

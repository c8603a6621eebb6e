package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// NATSPublisher publishes events as JSON to NATS core subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("plsd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. Close leaves it open.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// DecisionSubject returns the subject for a decision action.
func (p *NATSPublisher) DecisionSubject(action string) string {
	return fmt.Sprintf("%s.decisions.%s", p.prefix, strings.ToLower(action))
}

// TransitionSubject returns the subject for a pattern's lifecycle events.
func (p *NATSPublisher) TransitionSubject(patternID string) string {
	return fmt.Sprintf("%s.patterns.%s.lifecycle", p.prefix, patternID)
}

// PublishDecision implements Publisher.
func (p *NATSPublisher) PublishDecision(ctx context.Context, d Decision) error {
	return p.publish(ctx, p.DecisionSubject(d.Action), d)
}

// PublishTransition implements Publisher.
func (p *NATSPublisher) PublishTransition(ctx context.Context, t Transition) error {
	return p.publish(ctx, p.TransitionSubject(t.PatternID), t)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn("NATS flush failed", zap.Error(err))
	}
	if p.owned {
		p.conn.Close()
	}
	return nil
}

// Healthy reports whether the connection is usable.
func (p *NATSPublisher) Healthy(context.Context) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return fmt.Errorf("nats: not connected: %w", pattern.ErrDependencyUnavailable)
	}
	return nil
}

package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

func TestTestLogger_AssertTextNotLogged(t *testing.T) {
	tl := NewTestLogger()
	text := "my door code is not working"
	tl.Warn(context.Background(), "degraded", zap.String("message_hash", pattern.MessageHash(text)))

	tl.AssertTextNotLogged(t, text)
	tl.AssertNoSecrets(t)
}

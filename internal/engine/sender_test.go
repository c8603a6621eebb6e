package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/logging"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

func TestWebhookSender(t *testing.T) {
	var (
		got  webhookPayload
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewWebhookSender(srv.URL, "tok", time.Second)
	require.NoError(t, err)

	prov := pattern.Provenance{Origin: pattern.OriginAutoExecute, PatternID: "p1", ExecutionID: "e1"}
	require.NoError(t, s.Send(context.Background(), "conv-1", "We are open 9-11.", prov))

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, webhookPayload{ConversationID: "conv-1", Text: "We are open 9-11.", Provenance: prov}, got)
}

func TestWebhookSender_Failures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		s, err := NewWebhookSender(srv.URL, "", time.Second)
		require.NoError(t, err)
		err = s.Send(context.Background(), "c", "t", pattern.Provenance{})
		assert.ErrorIs(t, err, pattern.ErrDependencyUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		s, err := NewWebhookSender(srv.URL, "", 50*time.Millisecond)
		require.NoError(t, err)
		err = s.Send(context.Background(), "c", "t", pattern.Provenance{})
		assert.ErrorIs(t, err, pattern.ErrDependencyTimeout)
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := NewWebhookSender("", "", 0)
		assert.Error(t, err)
	})
}

func TestLogSender_DoesNotLogText(t *testing.T) {
	logs := logging.NewTestLogger()
	s := NewLogSender(logs.Underlying())

	require.NoError(t, s.Send(context.Background(), "conv-1", "Your door code is 4455", pattern.Provenance{Origin: pattern.OriginAutoExecute}))
	logs.AssertLogged(t, zap.InfoLevel, "outbound reply")
	logs.AssertTextNotLogged(t, "Your door code is 4455")
}

package usersession

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/loginkeeper/internal/model"
)

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got webhookPayload
	var contentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	var logs bytes.Buffer
	n := NewWebhookNotifier(ts.URL, ts.Client(), slog.New(slog.NewJSONHandler(&logs, nil)))
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := n.NotifyNeedsReauth(context.Background(), Notification{
		UserID: "user-1",
		Site:   "example-market",
		Domain: "market.example.com",
		Status: model.UserSessionNeedsReauth,
		Reason: "login wall",
		At:     at,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "user_session.needs_reauth", got.Event)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "example-market", got.Site)
	assert.Equal(t, "market.example.com", got.Domain)
	assert.Equal(t, "NEEDS_REAUTH", got.Status)
	assert.Equal(t, "login wall", got.Reason)
	assert.True(t, at.Equal(got.At))
	assert.Contains(t, logs.String(), "re-export notification delivered")
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL, ts.Client(), slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	err := n.NotifyNeedsReauth(context.Background(), Notification{UserID: "u", Site: "s", At: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookNotifier_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewWebhookNotifier(ts.URL, ts.Client(), slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	err := n.NotifyNeedsReauth(ctx, Notification{UserID: "u", Site: "s", At: time.Now()})
	assert.Error(t, err)
}

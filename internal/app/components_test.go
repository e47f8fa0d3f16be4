package app

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/loginkeeper/internal/config"
	"github.com/hitoshi/loginkeeper/internal/security"
	"github.com/hitoshi/loginkeeper/internal/usersession"
)

func TestNewNotifier(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	t.Run("log notifier without webhook", func(t *testing.T) {
		n, err := newNotifier(&config.Config{}, logger)
		require.NoError(t, err)
		assert.IsType(t, &usersession.LogNotifier{}, n)
	})

	t.Run("webhook notifier for public URL", func(t *testing.T) {
		n, err := newNotifier(&config.Config{
			NotifyWebhookURL:     "https://hooks.example.com/loginkeeper",
			NotifyWebhookTimeout: 5 * time.Second,
		}, logger)
		require.NoError(t, err)
		assert.IsType(t, &usersession.WebhookNotifier{}, n)
	})

	t.Run("internal webhook URL is rejected", func(t *testing.T) {
		_, err := newNotifier(&config.Config{NotifyWebhookURL: "http://169.254.169.254/hook"}, logger)
		assert.ErrorIs(t, err, security.ErrBlockedDestination)
	})
}

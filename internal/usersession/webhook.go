package usersession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPDoer はWebhook送信に使うHTTPクライアントのインターフェース。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookPayload はWebhookに送るJSON本文。
type webhookPayload struct {
	Event  string    `json:"event"`
	UserID string    `json:"user_id"`
	Site   string    `json:"site"`
	Domain string    `json:"domain"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// WebhookNotifier は再登録依頼を運用者が設定したURLへPOSTするNotifier。
type WebhookNotifier struct {
	url    string
	client HTTPDoer
	logger *slog.Logger
}

// NewWebhookNotifier はWebhookNotifierを生成する。
// clientにはsecurity.SSRFGuardService.NewSafeClientで生成したクライアントを渡す。
func NewWebhookNotifier(url string, client HTTPDoer, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: client, logger: logger}
}

// NotifyNeedsReauth は通知をJSONでPOSTする。2xx以外はエラーとする。
func (n *WebhookNotifier) NotifyNeedsReauth(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(webhookPayload{
		Event:  "user_session.needs_reauth",
		UserID: notification.UserID,
		Site:   notification.Site,
		Domain: notification.Domain,
		Status: string(notification.Status),
		Reason: notification.Reason,
		At:     notification.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info("re-export notification delivered",
		slog.String("user_id", notification.UserID),
		slog.String("site", notification.Site),
	)
	return nil
}

// compile-time interface checks
var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

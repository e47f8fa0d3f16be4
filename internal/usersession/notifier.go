package usersession

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// DefaultNotifyCooldown は同じ(ユーザー, サイト)への再通知を抑止する期間。
const DefaultNotifyCooldown = 6 * time.Hour

// Notification はユーザーへのセッション再登録依頼。
type Notification struct {
	UserID string
	Site   string
	Domain string
	Status model.UserSessionStatus
	Reason string
	At     time.Time
}

// Notifier はユーザーへの通知を配送するインターフェース。
type Notifier interface {
	NotifyNeedsReauth(ctx context.Context, n Notification) error
}

// LogNotifier は通知内容をログに出力するだけのNotifier。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyNeedsReauth は通知をログに出力する。
func (n *LogNotifier) NotifyNeedsReauth(_ context.Context, notification Notification) error {
	n.logger.Info("user session needs re-export",
		slog.String("user_id", notification.UserID),
		slog.String("site", notification.Site),
		slog.String("domain", notification.Domain),
		slog.String("status", string(notification.Status)),
		slog.String("reason", notification.Reason),
	)
	return nil
}

// ShouldNotify は前回の通知時刻から通知すべきかを判定する。
// 未通知、または前回からcooldown以上経過していれば通知する。
func ShouldNotify(lastNotifiedAt *time.Time, now time.Time, cooldown time.Duration) bool {
	if lastNotifiedAt == nil {
		return true
	}
	return now.Sub(*lastNotifiedAt) >= cooldown
}

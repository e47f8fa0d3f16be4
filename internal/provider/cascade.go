package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/loginkeeper/internal/metrics"
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/site"
)

// SiteLookup はサイト設定の参照インターフェース。
type SiteLookup interface {
	Get(id string) (*site.Site, bool)
}

// Cascade は優先度順にプロバイダを試す。
type Cascade struct {
	providers []Provider
	sites     SiteLookup
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewCascade はCascadeを生成する。プロバイダは優先度の降順に並べ替える。
func NewCascade(sites SiteLookup, mc metrics.MetricsCollector, logger *slog.Logger, providers ...Provider) *Cascade {
	sorted := append([]Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() > sorted[j].Priority() })
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Cascade{providers: sorted, sites: sites, metrics: mc, logger: logger}
}

// Providers は試行順のプロバイダ名を返す。
func (c *Cascade) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Resolve は(userID, siteID)のコンテキストを取得する。
//
// 利用可能で取得に成功した最初のプロバイダの結果を返す。ユーザー対応が必要な結果は
// 後続のプロバイダへ進まずにそのまま返す。どのプロバイダも使えない場合、
// 認証必須サイトでは*model.AuthRequiredErrorを、それ以外では匿名の成功結果を返す。
func (c *Cascade) Resolve(ctx context.Context, userID, siteID string) (*Result, error) {
	s, ok := c.sites.Get(siteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownSite, siteID)
	}

	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.IsAvailable(ctx, userID, siteID) {
			continue
		}

		res, err := p.Acquire(ctx, userID, siteID)
		if err != nil {
			c.logger.Warn("session provider failed",
				slog.String("provider", p.Name()),
				slog.String("user_id", userID),
				slog.String("site", siteID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.Success {
			c.metrics.RecordProviderResolution(p.Name())
			return res, nil
		}
		if res.NeedsUserAction {
			// 別の身元での成功でユーザーが直すべき問題を隠さない
			c.metrics.RecordProviderResolution(p.Name())
			return res, nil
		}
	}

	if s.RequiresAuth {
		c.metrics.RecordProviderResolution("none")
		return &Result{
			Status:  StatusAuthRequired,
			Message: "no authenticated session is available for " + siteID,
		}, &model.AuthRequiredError{Site: siteID}
	}

	c.metrics.RecordProviderResolution("anonymous")
	return &Result{
		Success:   true,
		Status:    StatusAnonymous,
		Anonymous: true,
		Message:   "no session; proceed anonymously",
	}, nil
}

package provider

import "context"

// RemoteBrowserProvider はユーザーのブラウザを遠隔操作する将来の取得手段の予約枠。
// 常に利用不可を返す。
type RemoteBrowserProvider struct{}

func (RemoteBrowserProvider) Name() string  { return NameRemoteBrowser }
func (RemoteBrowserProvider) Priority() int { return 50 }

func (RemoteBrowserProvider) IsAvailable(context.Context, string, string) bool { return false }

func (RemoteBrowserProvider) Acquire(context.Context, string, string) (*Result, error) {
	return nil, ErrNotImplemented
}

package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はキープアライブとクリーンアップのワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandSites は設定済みサイトの一覧を表示する。
	CommandSites Command = "sites"
	// CommandAccounts は技術アカウントを管理する。
	CommandAccounts Command = "accounts"
	// CommandResolve はプロバイダカスケードで(ユーザー, サイト)のセッションを取得してみる。
	CommandResolve Command = "resolve"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck,
		CommandSites, CommandAccounts, CommandResolve:
		return Command(args[0])
	default:
		return CommandServe
	}
}

// isCLI は結果を標準出力に表示する運用コマンドかを返す。
func (c Command) isCLI() bool {
	return c == CommandSites || c == CommandAccounts || c == CommandResolve
}

package app

import "strings"

// Command はtagvaultの起動モードを表す。
type Command string

const (
	// CommandServe はファイルAPIと購読APIを提供するHTTPサーバーとして起動する。
	CommandServe Command = "serve"
	// CommandWorker は購読スケジューラとRun履歴のクリーンアップを実行するワーカーとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は埋め込みマイグレーションでtagvaultのスキーマを最新にする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のAPIサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 大文字小文字は区別しない。引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(strings.ToLower(strings.TrimSpace(args[0]))) {
	case CommandWorker:
		return CommandWorker
	case CommandMigrate:
		return CommandMigrate
	case CommandHealthcheck:
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// NeedsConfig は設定の読み込みとログの初期化が必要かを返す。
// healthcheckはSERVER_PORTだけで動くため、DATABASE_URLが無い環境でも実行できる。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck
}

// Description は起動ログに出すモードの説明を返す。
func (c Command) Description() string {
	switch c {
	case CommandWorker:
		return "subscription scheduler and run cleanup"
	case CommandMigrate:
		return "database schema migration"
	case CommandHealthcheck:
		return "api health check"
	default:
		return "file and subscription api"
	}
}

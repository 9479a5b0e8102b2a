// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tagvault/internal/model"
)

// FileRepository はファイルとタグ・ソースの関連の永続化インターフェース。
// タグ・ソースの差分適用はトランザクション内で行い、失敗時は何も変更しない。
type FileRepository interface {
	// FindByID は指定IDのファイルをタグ・ソース付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.File, error)

	// FindByHash はハッシュでファイルを取得する。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, hash string) (*model.File, error)

	// Create はファイルを作成し、changesのタグ・ソースを接続する。
	// 成功時はfile.IDとタイムスタンプが設定される。
	// ハッシュが既に存在する場合はmodel.ErrDuplicateHashを、
	// それ以外の失敗はmodel.ErrRepositoryCommitをラップして返す。
	Create(ctx context.Context, file *model.File, changes model.FileChanges) error

	// Update はファイルに差分を適用し、更新後のファイルを返す。
	// 存在しない場合はmodel.ErrNotFound、失敗時はmodel.ErrRepositoryCommitをラップして返す。
	Update(ctx context.Context, id int64, changes model.FileChanges) (*model.File, error)

	// Search は削除済み以外のファイルをID降順で取得する。
	// tagsが空でない場合は、いずれかのタグを持つファイルに絞り込む。
	Search(ctx context.Context, tags []model.TagKey, offset, limit int) ([]*model.File, error)

	// SourceExists はURLがいずれかのファイルのソースとして登録済みかを返す。
	// urlはtagging.NormalizeSourceURLで正規化した形で渡す。
	SourceExists(ctx context.Context, url string) (bool, error)

	// Stats はファイル数とタグ数を返す。
	Stats(ctx context.Context) (model.FileStats, error)
}

// TagRepository はタグ検索のインターフェース。
type TagRepository interface {
	// SearchPrefix は値がprefixで始まるタグを、付与ファイル数の多い順に返す。
	SearchPrefix(ctx context.Context, prefix string, limit int) ([]model.Tag, error)
}

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Subscription, error)

	// List は全購読をID昇順で返す。
	List(ctx context.Context) ([]*model.Subscription, error)

	// Create は購読を作成する。成功時はsub.IDとタイムスタンプが設定される。
	Create(ctx context.Context, sub *model.Subscription) error

	// Update は購読の設定（サイト、タグ、除外タグ、件数上限、間隔、次回実行日時）を更新する。
	// 存在しない場合はmodel.ErrNotFoundをラップして返す。
	Update(ctx context.Context, sub *model.Subscription) error

	// Delete は購読を削除する。Runとログは CASCADE 削除される。
	// 存在しない場合はmodel.ErrNotFoundをラップして返す。
	Delete(ctx context.Context, id int64) error

	// SetPaused は購読の一時停止状態を切り替える。
	// 存在しない場合はmodel.ErrNotFoundをラップして返す。
	SetPaused(ctx context.Context, id int64, paused bool) error

	// SetNextRun は次回実行日時を更新する。
	// 存在しない場合はmodel.ErrNotFoundをラップして返す。
	SetNextRun(ctx context.Context, id int64, nextRun time.Time) error

	// ListDue は実行対象の購読を返す。
	// 一時停止中でなく、status != 'running' かつ next_run <= now のもの。
	ListDue(ctx context.Context, now time.Time) ([]*model.Subscription, error)

	// Claim は購読をrunningに遷移させる条件付き更新。
	// tokenは確保したRunの識別子で、確保日時とともに記録される。
	// 既にrunningの場合や一時停止中の場合はfalseを返す。
	// 複数プロセスから同時に呼ばれても、trueを返すのは1つだけ。
	Claim(ctx context.Context, id int64, token string) (bool, error)

	// Heartbeat は確保日時を現在時刻に更新する。
	// tokenの確保が既に失われている場合はfalseを返す。
	Heartbeat(ctx context.Context, id int64, token string) (bool, error)

	// Complete はRun終了後の状態と次回実行日時を記録し、確保を解放する。
	// tokenの確保が既に失われている場合は何もしない。
	Complete(ctx context.Context, id int64, token string, status model.SubscriptionStatus, lastError string, nextRun time.Time) error

	// RecoverStale はstaleBeforeより前から確保日時が更新されていないrunningの購読を
	// errorに戻し、その未終了のRunをfailedにする。戻した購読数を返す。
	RecoverStale(ctx context.Context, reason string, staleBefore time.Time) (int, error)
}

// RunRepository はRunとログの永続化インターフェース。
type RunRepository interface {
	// Create はRunを作成する。成功時はrun.IDとタイムスタンプが設定される。
	Create(ctx context.Context, run *model.Run) error

	// FindByID は指定IDのRunをログ付きで取得する。
	// ログにファイルが紐づく場合はFileも設定する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Run, error)

	// ListBySubscription は購読のRunを新しい順に最大limit件返す（ログは含まない）。
	ListBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*model.Run, error)

	// CountBySubscription は購読のRun数を返す。
	CountBySubscription(ctx context.Context, subscriptionID int64) (int, error)

	// UpdateProgress はRunの状態、カーソル、ページ番号を更新する。
	UpdateProgress(ctx context.Context, run *model.Run) error

	// Finish はRunを終端状態として記録する。
	// カウンタは記録済みの値より小さくならない範囲でrunの値に揃える。
	Finish(ctx context.Context, run *model.Run) error

	// RecordLog はログを追加し、同じトランザクションで対応するカウンタを1つ進める。
	// 同一RunでURLが記録済みの場合は何もせずfalseを返す。
	RecordLog(ctx context.Context, log *model.Log) (bool, error)

	// HasLog は同一RunでURLが記録済みかを返す。
	HasLog(ctx context.Context, runID int64, url string) (bool, error)
}

// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// コアが返すエラーの分類。
// 呼び出し側はerrors.Isで判定し、HTTP層でステータスコードへ変換する。
var (
	// ErrValidation は利用者が修正可能な入力エラー。
	ErrValidation = errors.New("validation error")
	// ErrUnsupportedMediaType は許可リスト外のMIMEタイプ。
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrUnsupportedSite はダウンローダーを持たないサイト。
	ErrUnsupportedSite = errors.New("unsupported site")
	// ErrNotFound は対象が存在しない。
	ErrNotFound = errors.New("not found")
	// ErrStorageWrite はコンテンツストアへの書き込み失敗。
	ErrStorageWrite = errors.New("storage write error")
	// ErrRepositoryCommit はリポジトリへのコミット失敗。
	ErrRepositoryCommit = errors.New("repository commit error")
	// ErrDuplicateHash はハッシュの一意制約違反。リポジトリ内部でのみ使用し、
	// パイプラインでDuplicate結果に変換される。
	ErrDuplicateHash = errors.New("duplicate file hash")
	// ErrRateLimited は外部サイトのレート制限（リトライ可能）。
	ErrRateLimited = errors.New("rate limited")
	// ErrSiteUnavailable は外部サイトの一時的な障害（リトライ可能）。
	ErrSiteUnavailable = errors.New("site unavailable")
	// ErrInvalidQuery は外部サイトがクエリを拒否した（リトライ不可）。
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidInterval は購読間隔の解析失敗。
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrCancelled はRunのキャンセル。呼び出し元へのエラーではなく終端状態。
	ErrCancelled = errors.New("cancelled")
)

// IsRetryableFetch はページ取得エラーがリトライ可能かを返す。
func IsRetryableFetch(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrSiteUnavailable)
}

// IsInfrastructure はストレージまたはリポジトリの障害かを返す。
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrStorageWrite) || errors.Is(err, ErrRepositoryCommit)
}

// NewValidationError はフィールド名付きのErrValidationを生成する。
func NewValidationError(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, reason)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, file, site, subscription, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	ErrCodeUnsupportedSite      = "UNSUPPORTED_SITE"
	ErrCodeFileNotFound         = "FILE_NOT_FOUND"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeRunNotFound          = "RUN_NOT_FOUND"
	ErrCodeInvalidInterval      = "INVALID_INTERVAL"
	ErrCodeFetchFailed          = "FETCH_FAILED"
	ErrCodeStorageFailed        = "STORAGE_FAILED"
	ErrCodeCommitFailed         = "COMMIT_FAILED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewInvalidRequestError は入力検証エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnsupportedMediaTypeError は非対応ファイル形式エラーを生成する。
func NewUnsupportedMediaTypeError(mimeType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedMediaType,
		Message:  fmt.Sprintf("対応していないファイル形式です: %s", mimeType),
		Category: "file",
		Action:   "画像（jpeg, png, gif, webp, avif, bmp）または動画（mp4, webm）をアップロードしてください。",
	}
}

// NewUnsupportedSiteError は非対応サイトエラーを生成する。
func NewUnsupportedSiteError(rawURL string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedSite,
		Message:  fmt.Sprintf("対応していないサイトです: %s", rawURL),
		Category: "site",
		Action:   "danbooru、gelbooru、e621、yande.re の投稿URLを指定してください。",
	}
}

// NewFileNotFoundError はファイル未検出エラーを生成する。
func NewFileNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeFileNotFound,
		Message:  fmt.Sprintf("指定されたファイルが見つかりません: %d", id),
		Category: "file",
		Action:   "ファイルIDを確認してください。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %d", id),
		Category: "subscription",
		Action:   "購読IDを確認してください。",
	}
}

// NewRunNotFoundError はRunが見つからない場合のエラーを生成する。
func NewRunNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeRunNotFound,
		Message:  fmt.Sprintf("指定された実行履歴が見つかりません: %d", id),
		Category: "subscription",
		Action:   "実行履歴IDを確認してください。",
	}
}

// NewInvalidIntervalError は購読間隔が無効な場合のエラーを生成する。
func NewInvalidIntervalError(interval string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInterval,
		Message:  fmt.Sprintf("無効な実行間隔です: %s", interval),
		Category: "validation",
		Action:   "\"6h\" や \"every 6 hours\" のように5分以上の間隔を指定してください。",
	}
}

// NewFetchFailedError は外部サイト取得失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("外部サイトからの取得に失敗しました: %s", reason),
		Category: "site",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewStorageFailedError はコンテンツストアへの書き込み失敗エラーを生成する。
func NewStorageFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageFailed,
		Message:  "ファイルの保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCommitFailedError はリポジトリへの登録失敗エラーを生成する。
func NewCommitFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCommitFailed,
		Message:  "ファイル情報の登録に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

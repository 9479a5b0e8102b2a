// Package model はドメインモデルを定義する。
package model

import "time"

// Rating はファイルのレーティングを表す。
type Rating string

const (
	RatingExplicit     Rating = "explicit"
	RatingQuestionable Rating = "questionable"
	RatingSafe         Rating = "safe"
	// RatingUnset はレーティング未指定。新規ファイルのデフォルト。
	RatingUnset Rating = "unset"
)

// ParseRating は文字列をRatingに変換する。
// 空文字列はRatingUnsetとして扱う。許可外の値はErrValidationを返す。
func ParseRating(s string) (Rating, error) {
	switch Rating(s) {
	case "":
		return RatingUnset, nil
	case RatingExplicit, RatingQuestionable, RatingSafe, RatingUnset:
		return Rating(s), nil
	default:
		return "", NewValidationError("rating", "explicit、questionable、safe のいずれかを指定してください")
	}
}

// FileStatus はファイルのライフサイクル状態を表す。
type FileStatus string

const (
	FileStatusActive  FileStatus = "active"
	FileStatusTrash   FileStatus = "trash"
	FileStatusDeleted FileStatus = "deleted"
)

// File は取り込み済みのメディアファイルを表す。
// Hashは全体で一意であり、同一ハッシュのファイルは2件以上存在しない。
type File struct {
	ID        int64
	Hash      string
	Filename  string
	Size      int64
	MimeType  string
	Rating    Rating
	Status    FileStatus
	Tags      []Tag
	Sources   []Source
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TagKeys はファイルに紐づくタグの(namespace, value)一覧を返す。
func (f *File) TagKeys() []TagKey {
	keys := make([]TagKey, 0, len(f.Tags))
	for _, t := range f.Tags {
		keys = append(keys, t.Key())
	}
	return keys
}

// DefaultTagNamespace は名前空間を省略したタグの名前空間。
const DefaultTagNamespace = "tag"

// TagKey はタグの同一性を決める(namespace, value)の組。
type TagKey struct {
	Namespace string
	Value     string
}

// String は "namespace:value" 形式の文字列を返す。
// 名前空間がtagの場合は値のみを返す。
func (k TagKey) String() string {
	if k.Namespace == DefaultTagNamespace || k.Namespace == "" {
		return k.Value
	}
	return k.Namespace + ":" + k.Value
}

// Tag は永続化されたタグを表す。
type Tag struct {
	ID        int64
	Namespace string
	Value     string
	// Count はこのタグが付与されたファイル数（検索結果でのみ設定される）。
	Count int
}

// Key はタグの(namespace, value)を返す。
func (t Tag) Key() TagKey {
	return TagKey{Namespace: t.Namespace, Value: t.Value}
}

// SourceStatus はソースURLの取得状態を表す。
type SourceStatus string

const (
	SourceStatusPending    SourceStatus = "pending"
	SourceStatusDownloaded SourceStatus = "downloaded"
	SourceStatusFailed     SourceStatus = "failed"
)

// Source はファイルの取得元URLを表す。
type Source struct {
	ID     int64
	URL    string
	Site   Site
	Status SourceStatus
}

// FileChanges はファイル更新時にリポジトリへ渡す差分。
// リポジトリは1トランザクションで適用し、失敗時は何も変更しない。
type FileChanges struct {
	ConnectTags       []TagKey
	DisconnectTags    []TagKey
	ConnectSources    []Source
	DisconnectSources []string
	// Rating がnilの場合は変更しない。
	Rating *Rating
}

// FileStats はファイル数とタグ数の集計。
type FileStats struct {
	Files int
	Tags  int
}

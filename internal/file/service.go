// Package file はファイルの参照、検索、タグ候補、外部投稿からの取り込みを提供する。
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hitoshi/tagvault/internal/ingest"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
	"github.com/hitoshi/tagvault/internal/site"
	"github.com/hitoshi/tagvault/internal/tagging"
)

const (
	// PageSize は検索結果1ページあたりのファイル数。
	PageSize = 32
	// tagSuggestLimit はタグ候補の最大件数。
	tagSuggestLimit = 20
	// defaultTagCacheSize はタグ候補キャッシュの最大エントリ数。
	defaultTagCacheSize = 1024
	// defaultTagCacheTTL はタグ候補キャッシュの有効期間。
	defaultTagCacheTTL = time.Minute
)

// Ingester はファイル取り込みと更新を行う。
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (*ingest.Result, error)
	Update(ctx context.Context, id int64, in ingest.UpdateInput) (*model.File, error)
}

// AdapterRegistry はサイト種別からAdapterを選択する。
type AdapterRegistry interface {
	For(s model.Site) (site.Adapter, error)
}

// Service はファイル参照と取り込みのサービス層。
type Service struct {
	files    repository.FileRepository
	tags     repository.TagRepository
	ingester Ingester
	adapters AdapterRegistry
	identify func(string) model.Site
	tagCache *expirable.LRU[string, []model.Tag]
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	files repository.FileRepository,
	tags repository.TagRepository,
	ingester Ingester,
	adapters AdapterRegistry,
	logger *slog.Logger,
) *Service {
	return &Service{
		files:    files,
		tags:     tags,
		ingester: ingester,
		adapters: adapters,
		identify: site.Identify,
		tagCache: expirable.NewLRU[string, []model.Tag](defaultTagCacheSize, nil, defaultTagCacheTTL),
		logger:   logger,
	}
}

// Get は指定IDのファイルを返す。削除済みのファイルは見つからない扱いにする。
func (s *Service) Get(ctx context.Context, id int64) (*model.File, error) {
	f, err := s.files.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ファイルの取得に失敗しました: %w", err)
	}
	if f == nil || f.Status == model.FileStatusDeleted {
		return nil, model.NewFileNotFoundError(id)
	}
	return f, nil
}

// Search は新しい順にpage番目（1始まり）のファイルを返す。
// queryは空白区切りのタグで、いずれかのタグを持つファイルに絞り込む。
func (s *Service) Search(ctx context.Context, page int, query string) ([]*model.File, error) {
	if page < 1 {
		return nil, model.NewInvalidRequestError("page は1以上を指定してください")
	}
	tags := ParseQuery(query)
	files, err := s.files.Search(ctx, tags, (page-1)*PageSize, PageSize)
	if err != nil {
		return nil, fmt.Errorf("ファイルの検索に失敗しました: %w", err)
	}
	return files, nil
}

// ParseQuery は空白区切りの検索文字列をタグに変換する。
func ParseQuery(query string) []model.TagKey {
	return tagging.ParseTags(strings.Fields(query))
}

// Stats はファイル数とタグ数を返す。
func (s *Service) Stats(ctx context.Context) (model.FileStats, error) {
	stats, err := s.files.Stats(ctx)
	if err != nil {
		return model.FileStats{}, fmt.Errorf("統計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

// SuggestTags はprefixで始まるタグを付与数付きで返す。結果は短時間キャッシュする。
func (s *Service) SuggestTags(ctx context.Context, prefix string) ([]model.Tag, error) {
	key := strings.ToLower(strings.TrimSpace(prefix))
	if key == "" {
		return []model.Tag{}, nil
	}
	if cached, ok := s.tagCache.Get(key); ok {
		return cached, nil
	}

	tags, err := s.tags.SearchPrefix(ctx, key, tagSuggestLimit)
	if err != nil {
		return nil, fmt.Errorf("タグの検索に失敗しました: %w", err)
	}
	if tags == nil {
		tags = []model.Tag{}
	}
	s.tagCache.Add(key, tags)
	return tags, nil
}

// Upload はアップロードされたファイルを取り込む。
func (s *Service) Upload(ctx context.Context, in ingest.Input) (*ingest.Result, error) {
	res, err := s.ingester.Ingest(ctx, in)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.tagCache.Purge()
	}
	return res, nil
}

// Update はファイルのタグ・ソース・レーティングを更新する。
func (s *Service) Update(ctx context.Context, id int64, in ingest.UpdateInput) (*model.File, error) {
	f, err := s.ingester.Update(ctx, id, in)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewFileNotFoundError(id)
		}
		return nil, err
	}
	s.tagCache.Purge()
	return f, nil
}

// IngestFromBooru は投稿URLから1件の投稿を取得して取り込む。
// ダウンローダーを持たないサイトはUNSUPPORTED_SITE、取得失敗はFETCH_FAILEDを返す。
func (s *Service) IngestFromBooru(ctx context.Context, postURL string) (*ingest.Result, error) {
	postURL = strings.TrimSpace(postURL)
	if postURL == "" {
		return nil, model.NewInvalidRequestError("url を指定してください")
	}

	adapter, err := s.adapters.For(s.identify(postURL))
	if err != nil {
		return nil, model.NewUnsupportedSiteError(postURL)
	}

	asset, err := adapter.FetchPost(ctx, postURL)
	if err != nil {
		s.logger.Warn("投稿の取得に失敗しました",
			slog.String("url", postURL),
			slog.String("error", err.Error()),
		)
		return nil, fetchError(err)
	}
	data, err := adapter.Download(ctx, asset)
	if err != nil {
		s.logger.Warn("ファイルのダウンロードに失敗しました",
			slog.String("url", asset.FileURL),
			slog.String("error", err.Error()),
		)
		return nil, fetchError(err)
	}

	in := ingest.Input{
		Data:    data,
		Tags:    asset.Tags,
		Sources: asset.Sources,
	}
	if asset.Rating != "" {
		rating := asset.Rating
		in.Rating = &rating
	}
	return s.Upload(ctx, in)
}

// fetchError はサイトのエラーをAPIErrorに変換する。入力検証エラーはそのまま返す。
func fetchError(err error) error {
	if errors.Is(err, model.ErrValidation) {
		return model.NewInvalidRequestError(err.Error())
	}
	return model.NewFetchFailedError(err.Error())
}

// Package ingest はメディアファイルの取り込みパイプラインを提供する。
// 分類、重複判定、タグ・ソースの差分計算、ストレージへの書き込み、
// リポジトリへの登録を1つの論理単位として扱う。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/tagvault/internal/media"
	"github.com/hitoshi/tagvault/internal/metrics"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
	"github.com/hitoshi/tagvault/internal/storage"
	"github.com/hitoshi/tagvault/internal/tagging"
)

// Input は取り込み対象のファイルと付与するタグ・ソース。
type Input struct {
	Data    []byte
	Tags    []string
	Sources []string
	// Rating がnilの場合はunsetで登録する。
	Rating *model.Rating
}

// Result は取り込み結果。Duplicateがtrueの場合、Fileは既存のファイル。
type Result struct {
	File      *model.File
	Duplicate bool
}

// UpdateInput は既存ファイルの更新内容。
// TagsとSourcesがnilの場合は変更しない。空スライスは全解除を意味する。
type UpdateInput struct {
	Tags    []string
	Sources []string
	Rating  *model.Rating
}

// Pipeline はファイル取り込みを行う。
type Pipeline struct {
	files    repository.FileRepository
	store    storage.Storage
	identify func(string) model.Site
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
}

// NewPipeline はPipelineを生成する。identifyはソースURLからサイトを判別する関数。
func NewPipeline(
	files repository.FileRepository,
	store storage.Storage,
	identify func(string) model.Site,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Pipeline {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Pipeline{
		files:    files,
		store:    store,
		identify: identify,
		logger:   logger,
		metrics:  m,
	}
}

// Ingest はバイト列を取り込む。
// 同一ハッシュのファイルが既に存在する場合は書き込みを行わず、既存ファイルをDuplicateとして返す。
// 登録に失敗した場合は書き込んだオブジェクトを削除する。
func (p *Pipeline) Ingest(ctx context.Context, in Input) (*Result, error) {
	hash, mimeType := media.Classify(in.Data)
	ext, err := media.ExtensionFor(mimeType)
	if err != nil {
		p.metrics.RecordIngest(metrics.IngestRejected)
		return nil, err
	}

	existing, err := p.files.FindByHash(ctx, hash)
	if err != nil {
		p.metrics.RecordIngest(metrics.IngestFailed)
		return nil, fmt.Errorf("%w: ハッシュによる検索に失敗しました: %v", model.ErrRepositoryCommit, err)
	}
	if existing != nil {
		p.metrics.RecordIngest(metrics.IngestDuplicate)
		return &Result{File: existing, Duplicate: true}, nil
	}

	rating := model.RatingUnset
	if in.Rating != nil {
		rating = *in.Rating
	}
	tags := tagging.Reconcile(in.Tags, nil)
	sources := tagging.ReconcileSources(in.Sources, nil, p.identify)

	name := storage.GenerateName(ext)
	if err := p.store.Write(ctx, name, in.Data); err != nil {
		p.metrics.RecordIngest(metrics.IngestFailed)
		p.logger.Error("ファイルの書き込みに失敗しました", "hash", hash, "filename", name, "error", err)
		return nil, err
	}

	file := &model.File{
		Hash:     hash,
		Filename: name,
		Size:     int64(len(in.Data)),
		MimeType: mimeType,
		Rating:   rating,
		Status:   model.FileStatusActive,
	}
	changes := model.FileChanges{
		ConnectTags:    tags.Connect,
		ConnectSources: sources.Connect,
		Rating:         &rating,
	}

	err = p.files.Create(ctx, file, changes)
	switch {
	case err == nil:
		p.metrics.RecordIngest(metrics.IngestCreated)
		p.logger.Info("ファイルを取り込みました",
			"file_id", file.ID,
			"hash", hash,
			"mime_type", mimeType,
			"tags", len(tags.Connect),
		)
		return &Result{File: file}, nil

	case errors.Is(err, model.ErrDuplicateHash):
		// 並行する別の書き込みが先に登録した
		p.discard(ctx, name)
		winner, findErr := p.files.FindByHash(ctx, hash)
		if findErr != nil || winner == nil {
			p.metrics.RecordIngest(metrics.IngestFailed)
			return nil, fmt.Errorf("%w: 重複ファイルの再取得に失敗しました: %v", model.ErrRepositoryCommit, findErr)
		}
		p.metrics.RecordIngest(metrics.IngestDuplicate)
		return &Result{File: winner, Duplicate: true}, nil

	default:
		p.discard(ctx, name)
		p.metrics.RecordIngest(metrics.IngestFailed)
		p.logger.Error("ファイルの登録に失敗しました", "hash", hash, "filename", name, "error", err)
		if !errors.Is(err, model.ErrRepositoryCommit) {
			err = fmt.Errorf("%w: %v", model.ErrRepositoryCommit, err)
		}
		return nil, err
	}
}

// discard は登録できなかったオブジェクトを削除する。
// 呼び出し元のctxがキャンセルされていても削除を試みる。
func (p *Pipeline) discard(ctx context.Context, name string) {
	if err := p.store.Delete(context.WithoutCancel(ctx), name); err != nil {
		p.logger.Error("孤立したファイルの削除に失敗しました", "filename", name, "error", err)
	}
}

// Update は既存ファイルのタグ・ソース・レーティングを現在の状態との差分で更新する。
// 差分は1トランザクションで適用され、失敗した場合はファイルは変更されない。
func (p *Pipeline) Update(ctx context.Context, id int64, in UpdateInput) (*model.File, error) {
	current, err := p.files.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: ファイルの取得に失敗しました: %v", model.ErrRepositoryCommit, err)
	}
	if current == nil || current.Status == model.FileStatusDeleted {
		return nil, fmt.Errorf("%w: file %d", model.ErrNotFound, id)
	}

	changes := model.FileChanges{Rating: in.Rating}
	if in.Tags != nil {
		diff := tagging.Reconcile(in.Tags, current.TagKeys())
		changes.ConnectTags = diff.Connect
		changes.DisconnectTags = diff.Disconnect
	}
	if in.Sources != nil {
		diff := tagging.ReconcileSources(in.Sources, current.Sources, p.identify)
		changes.ConnectSources = diff.Connect
		changes.DisconnectSources = diff.Disconnect
	}

	updated, err := p.files.Update(ctx, id, changes)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrRepositoryCommit) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrRepositoryCommit, err)
	}

	p.logger.Info("ファイルを更新しました",
		"file_id", id,
		"connect_tags", len(changes.ConnectTags),
		"disconnect_tags", len(changes.DisconnectTags),
	)
	return updated, nil
}

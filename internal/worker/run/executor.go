// Package run は購読のスケジューリングとRunの実行を提供する。
// Schedulerが実行対象の購読を確保してRunを作成し、Executorがページ単位で取り込みを進める。
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tagvault/internal/ingest"
	"github.com/hitoshi/tagvault/internal/metrics"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
	"github.com/hitoshi/tagvault/internal/site"
	"github.com/hitoshi/tagvault/internal/tagging"
)

// Ingester は取り込みパイプラインのインターフェース。
type Ingester interface {
	IngestWithRetry(ctx context.Context, in ingest.Input, policy ingest.RetryPolicy) (*ingest.Result, error)
}

// AdapterRegistry はサイト種別からAdapterを引くインターフェース。
type AdapterRegistry interface {
	For(s model.Site) (site.Adapter, error)
}

// Executor は1件のRunを終端状態まで進める。
// ページは逐次取得し、キャンセルはページの間でのみ確認する。
type Executor struct {
	subs     repository.SubscriptionRepository
	runs     repository.RunRepository
	files    repository.FileRepository
	adapters AdapterRegistry
	ingester Ingester
	retry    ingest.RetryPolicy
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewExecutor はExecutorを生成する。
func NewExecutor(
	subs repository.SubscriptionRepository,
	runs repository.RunRepository,
	files repository.FileRepository,
	adapters AdapterRegistry,
	ingester Ingester,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Executor {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Executor{
		subs:     subs,
		runs:     runs,
		files:    files,
		adapters: adapters,
		ingester: ingester,
		retry:    ingest.DefaultRetryPolicy(),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// SetRetryPolicy は取り込み失敗時の再試行方針を差し替える。
func (e *Executor) SetRetryPolicy(p ingest.RetryPolicy) {
	e.retry = p
}

// SetClock は終了日時の記録に使う時計を差し替える。
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Execute はRunを実行し、終端状態になったRunを返す。
// 終了条件: カーソルが無い、処理件数が上限に達した、ページ取得の失敗、キャンセル。
// ページ取得に失敗しても、それまでに取り込んだファイルは取り消さない。
func (e *Executor) Execute(ctx context.Context, sub *model.Subscription, run *model.Run) *model.Run {
	logger := e.logger.With(
		slog.Int64("subscription_id", sub.ID),
		slog.Int64("run_id", run.ID),
		slog.String("site", string(sub.Site)),
	)

	adapter, err := e.adapters.For(sub.Site)
	if err != nil {
		return e.finish(ctx, logger, run, model.RunStatusFailed, err)
	}
	blocklist := tagging.NewBlocklist(sub.TagBlacklist)
	// オフセットをページ番号×件数で求めるサイトがあるため、件数はRunの間変えない
	pageSize := min(sub.Limit, site.MaxPageSize)

	for {
		if err := e.checkCancelled(ctx, sub.ID); err != nil {
			run.Cancelled = true
			return e.finish(ctx, logger, run, model.RunStatusFailed, err)
		}

		run.Status = model.RunStatusFetching
		e.saveProgress(ctx, logger, run)

		start := time.Now()
		page, err := adapter.FetchPage(ctx, site.Query{Tags: sub.Tags, Limit: pageSize}, run.Cursor)
		e.metrics.RecordPageLatency(string(sub.Site), time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				run.Cancelled = true
				return e.finish(ctx, logger, run, model.RunStatusFailed, fmt.Errorf("%w: %v", model.ErrCancelled, ctx.Err()))
			}
			return e.finish(ctx, logger, run, model.RunStatusFailed, fmt.Errorf("ページ %d の取得に失敗しました: %w", run.PageNumber+1, err))
		}

		run.Status = model.RunStatusIngesting
		run.PageNumber++
		e.saveProgress(ctx, logger, run)

		// ページ内の取り込みはキャンセルされても最後まで進める
		assetCtx := context.WithoutCancel(ctx)
		for _, asset := range page.Assets {
			if run.Seen() >= sub.Limit {
				break
			}
			e.processAsset(assetCtx, logger, adapter, blocklist, run, asset)
		}

		logger.Info("ページを処理しました",
			slog.Int("page", run.PageNumber),
			slog.Int("assets", len(page.Assets)),
			slog.Int("downloaded", run.DownloadedURLCount),
			slog.Int("skipped", run.SkippedURLCount),
			slog.Int("failed", run.FailedURLCount),
		)

		if page.Next == "" || page.Next == run.Cursor || run.Seen() >= sub.Limit {
			run.Cursor = page.Next
			return e.finish(ctx, logger, run, model.RunStatusFinished, nil)
		}
		run.Cursor = page.Next
	}
}

// checkCancelled はRunを続行してよいかを確認する。
// コンテキストのキャンセル、購読の削除、一時停止のいずれかでErrCancelledを返す。
func (e *Executor) checkCancelled(ctx context.Context, subID int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrCancelled, err)
	}
	sub, err := e.subs.FindByID(ctx, subID)
	if err != nil {
		// 確認できない場合は続行し、次のページ取得の結果に任せる
		e.logger.Warn("購読の状態確認に失敗しました",
			slog.Int64("subscription_id", subID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if sub == nil {
		return fmt.Errorf("%w: 購読が削除されました", model.ErrCancelled)
	}
	if sub.Paused {
		return fmt.Errorf("%w: 購読が一時停止されました", model.ErrCancelled)
	}
	return nil
}

// processAsset は1投稿を処理してログとカウンタを記録する。
// 1投稿の失敗でRun全体を中断することはない。
func (e *Executor) processAsset(
	ctx context.Context,
	logger *slog.Logger,
	adapter site.Adapter,
	blocklist tagging.Blocklist,
	run *model.Run,
	asset *site.Asset,
) {
	logged, err := e.runs.HasLog(ctx, run.ID, asset.PostURL)
	if err != nil {
		logger.Error("ログの確認に失敗しました", slog.String("url", asset.PostURL), slog.String("error", err.Error()))
	}
	if logged {
		// 同じRunで記録済みのURLは数えない
		return
	}

	entry := &model.Log{RunID: run.ID, URL: asset.PostURL}
	e.resolve(ctx, adapter, blocklist, asset, entry)

	recorded, err := e.recordLog(ctx, entry)
	if err != nil {
		// ログが無くても終了時のカウンタには含める
		logger.Error("ログの記録に失敗したため失敗として数えます",
			slog.String("url", asset.PostURL),
			slog.String("status", string(entry.Status)),
			slog.String("error", err.Error()),
		)
		run.Count(model.LogStatusFailed)
		e.metrics.RecordAsset(string(run.Site), string(model.LogStatusFailed))
		return
	}
	if !recorded {
		return
	}
	run.Count(entry.Status)
	e.metrics.RecordAsset(string(run.Site), string(entry.Status))

	if entry.Status == model.LogStatusFailed {
		logger.Warn("投稿の取り込みに失敗しました",
			slog.String("url", asset.PostURL),
			slog.String("reason", entry.Reason),
		)
	}
}

// recordLog はログを記録する。失敗した場合は1回だけ再試行する。
func (e *Executor) recordLog(ctx context.Context, entry *model.Log) (bool, error) {
	recorded, err := e.runs.RecordLog(ctx, entry)
	if err == nil {
		return recorded, nil
	}
	return e.runs.RecordLog(ctx, entry)
}

// resolve は投稿の処理結果をentryに設定する。
func (e *Executor) resolve(
	ctx context.Context,
	adapter site.Adapter,
	blocklist tagging.Blocklist,
	asset *site.Asset,
	entry *model.Log,
) {
	exists, err := e.files.SourceExists(ctx, tagging.NormalizeSourceURL(asset.PostURL))
	if err != nil {
		entry.Status, entry.Reason = model.LogStatusFailed, err.Error()
		return
	}
	if exists {
		entry.Status, entry.Reason = model.LogStatusSkipped, "取り込み済みのソースです"
		return
	}

	if tag, blocked := blocklist.Match(asset.Tags); blocked {
		entry.Status, entry.Reason = model.LogStatusSkipped, "除外タグ: "+tag
		return
	}

	data, err := adapter.Download(ctx, asset)
	if err != nil {
		entry.Status, entry.Reason = model.LogStatusFailed, err.Error()
		return
	}

	rating := asset.Rating
	result, err := e.ingester.IngestWithRetry(ctx, ingest.Input{
		Data:    data,
		Tags:    asset.Tags,
		Sources: asset.Sources,
		Rating:  &rating,
	}, e.retry)
	if err != nil {
		entry.Status, entry.Reason = model.LogStatusFailed, err.Error()
		return
	}

	id := result.File.ID
	entry.FileID = &id
	if result.Duplicate {
		entry.Status, entry.Reason = model.LogStatusSkipped, "同一内容のファイルが存在します"
		return
	}
	entry.Status = model.LogStatusDownloaded
}

func (e *Executor) saveProgress(ctx context.Context, logger *slog.Logger, run *model.Run) {
	if err := e.runs.UpdateProgress(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("Runの進捗の記録に失敗しました", slog.String("error", err.Error()))
	}
}

// finish はRunを終端状態として記録する。
func (e *Executor) finish(ctx context.Context, logger *slog.Logger, run *model.Run, status model.RunStatus, cause error) *model.Run {
	finishedAt := e.now()
	run.Status = status
	run.Finished = true
	run.FinishedAt = &finishedAt
	if cause != nil {
		run.Error = cause.Error()
	}

	if err := e.runs.Finish(context.WithoutCancel(ctx), run); err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Error("Runの終了記録に失敗しました", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("status", string(status)),
		slog.Int("pages", run.PageNumber),
		slog.Int("downloaded", run.DownloadedURLCount),
		slog.Int("skipped", run.SkippedURLCount),
		slog.Int("failed", run.FailedURLCount),
		slog.Bool("cancelled", run.Cancelled),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", run.Error))
		logger.Warn("Runが失敗しました", attrs...)
	} else {
		logger.Info("Runが完了しました", attrs...)
	}
	return run
}

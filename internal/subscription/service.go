// Package subscription は購読管理のドメインロジックを提供する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
)

// recentRunLimit は購読詳細に含めるRunの件数。
const recentRunLimit = 20

// SiteChecker はサイトにダウンローダーが存在するかを判定する。
type SiteChecker interface {
	Supports(site model.Site) bool
}

// Canceller は実行中のRunを中断する。同一プロセスにスケジューラがある場合のみ設定する。
type Canceller interface {
	Cancel(subscriptionID int64) bool
}

// CreateInput は購読作成の入力。
type CreateInput struct {
	Site         string
	Tags         []string
	TagBlacklist []string
	Limit        int
	Interval     string
}

// UpdateInput は購読更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	Tags         []string
	TagBlacklist []string
	Limit        *int
	Interval     *string
}

// Service は購読管理のサービス層。
// 作成、一覧、詳細、更新、削除、一時停止・再開、即時実行のビジネスロジックを提供する。
type Service struct {
	subRepo   repository.SubscriptionRepository
	runRepo   repository.RunRepository
	sites     SiteChecker
	canceller Canceller
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	subRepo repository.SubscriptionRepository,
	runRepo repository.RunRepository,
	sites SiteChecker,
) *Service {
	return &Service{
		subRepo: subRepo,
		runRepo: runRepo,
		sites:   sites,
		now:     time.Now,
	}
}

// SetCanceller は削除・一時停止時に実行中のRunを中断するCancellerを設定する。
func (s *Service) SetCanceller(c Canceller) {
	s.canceller = c
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create は購読を作成する。次回実行日時は作成時刻になる。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Subscription, error) {
	site := model.ParseSite(strings.ToLower(strings.TrimSpace(in.Site)))
	if !s.sites.Supports(site) {
		return nil, model.NewUnsupportedSiteError(in.Site)
	}
	if _, err := model.ParseInterval(in.Interval); err != nil {
		return nil, model.NewInvalidIntervalError(in.Interval)
	}
	if in.Limit <= 0 {
		return nil, model.NewInvalidRequestError("limit は1以上を指定してください")
	}
	tags := normalizeTags(in.Tags)
	if len(tags) == 0 {
		return nil, model.NewInvalidRequestError("tags を1つ以上指定してください")
	}

	sub := &model.Subscription{
		Site:         site,
		Tags:         tags,
		TagBlacklist: normalizeTags(in.TagBlacklist),
		Limit:        in.Limit,
		Interval:     strings.TrimSpace(in.Interval),
		NextRun:      s.now(),
		Status:       model.SubscriptionStatusIdle,
	}
	if err := s.subRepo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return sub, nil
}

// List は全購読を返す。
func (s *Service) List(ctx context.Context) ([]*model.Subscription, error) {
	subs, err := s.subRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	return subs, nil
}

// Get は購読を最近のRun付きで返す。
func (s *Service) Get(ctx context.Context, id int64) (*model.Subscription, error) {
	sub, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	runs, err := s.runRepo.ListBySubscription(ctx, id, recentRunLimit)
	if err != nil {
		return nil, fmt.Errorf("実行履歴の取得に失敗しました: %w", err)
	}
	count, err := s.runRepo.CountBySubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("実行履歴数の取得に失敗しました: %w", err)
	}
	sub.Runs = runs
	sub.RunCount = count
	return sub, nil
}

// Update は購読の設定を更新する。
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*model.Subscription, error) {
	sub, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Tags != nil {
		tags := normalizeTags(in.Tags)
		if len(tags) == 0 {
			return nil, model.NewInvalidRequestError("tags を1つ以上指定してください")
		}
		sub.Tags = tags
	}
	if in.TagBlacklist != nil {
		sub.TagBlacklist = normalizeTags(in.TagBlacklist)
	}
	if in.Limit != nil {
		if *in.Limit <= 0 {
			return nil, model.NewInvalidRequestError("limit は1以上を指定してください")
		}
		sub.Limit = *in.Limit
	}
	if in.Interval != nil {
		d, err := model.ParseInterval(*in.Interval)
		if err != nil {
			return nil, model.NewInvalidIntervalError(*in.Interval)
		}
		sub.Interval = strings.TrimSpace(*in.Interval)
		// 短縮された間隔を次回実行日時に反映する
		if next := s.now().Add(d); next.Before(sub.NextRun) {
			sub.NextRun = next
		}
	}

	if err := s.subRepo.Update(ctx, sub); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewSubscriptionNotFoundError(id)
		}
		return nil, fmt.Errorf("購読の更新に失敗しました: %w", err)
	}
	return s.find(ctx, id)
}

// Delete は購読を削除する。Runとログはカスケード削除され、実行中のRunは中断される。
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.subRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewSubscriptionNotFoundError(id)
		}
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	s.cancel(id)
	return nil
}

// Pause は購読を一時停止する。実行中のRunは次のページ取得前に中断される。
func (s *Service) Pause(ctx context.Context, id int64) (*model.Subscription, error) {
	if err := s.setPaused(ctx, id, true); err != nil {
		return nil, err
	}
	s.cancel(id)
	return s.find(ctx, id)
}

// Resume は一時停止を解除する。
func (s *Service) Resume(ctx context.Context, id int64) (*model.Subscription, error) {
	if err := s.setPaused(ctx, id, false); err != nil {
		return nil, err
	}
	return s.find(ctx, id)
}

// RunNow は次回実行日時を現在時刻にし、次のスケジューラ周期で実行されるようにする。
func (s *Service) RunNow(ctx context.Context, id int64) (*model.Subscription, error) {
	if err := s.subRepo.SetNextRun(ctx, id, s.now()); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewSubscriptionNotFoundError(id)
		}
		return nil, fmt.Errorf("次回実行日時の更新に失敗しました: %w", err)
	}
	return s.find(ctx, id)
}

// GetRun はRunをログ付きで返す。
func (s *Service) GetRun(ctx context.Context, runID int64) (*model.Run, error) {
	run, err := s.runRepo.FindByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("実行履歴の取得に失敗しました: %w", err)
	}
	if run == nil {
		return nil, model.NewRunNotFoundError(runID)
	}
	return run, nil
}

func (s *Service) find(ctx context.Context, id int64) (*model.Subscription, error) {
	sub, err := s.subRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return nil, model.NewSubscriptionNotFoundError(id)
	}
	return sub, nil
}

func (s *Service) setPaused(ctx context.Context, id int64, paused bool) error {
	if err := s.subRepo.SetPaused(ctx, id, paused); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewSubscriptionNotFoundError(id)
		}
		return fmt.Errorf("一時停止状態の更新に失敗しました: %w", err)
	}
	return nil
}

func (s *Service) cancel(id int64) {
	if s.canceller != nil {
		s.canceller.Cancel(id)
	}
}

// normalizeTags は空白を除去して小文字化し、空要素と重複を取り除く。
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

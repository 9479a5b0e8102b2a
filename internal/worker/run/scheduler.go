package run

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tagvault/internal/metrics"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
)

// RunExecutor はRunを終端状態まで進めるインターフェース。
type RunExecutor interface {
	Execute(ctx context.Context, sub *model.Subscription, run *model.Run) *model.Run
}

// recoverReason は確保の期限切れで中断されたRunに記録する理由。
const recoverReason = "ワーカーからの応答が途絶えたため中断されました"

// DefaultLeaseTimeout は確保の延長が途絶えてから回収するまでのデフォルト時間。
const DefaultLeaseTimeout = 2 * time.Minute

// Scheduler は実行対象の購読を確保してRunを開始する。
// 購読の確保はリポジトリの条件付き更新で行うため、複数プロセスから呼ばれても
// 1つの購読で同時に実行されるRunは1つだけになる。
// 実行中は確保日時を定期的に延長し、延長がleaseTimeout以上途絶えた確保だけを回収する。
type Scheduler struct {
	subs           repository.SubscriptionRepository
	runs           repository.RunRepository
	executor       RunExecutor
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
	maxConcurrency int
	leaseTimeout   time.Duration
	now            func() time.Time

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[int64]context.CancelFunc
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	subs repository.SubscriptionRepository,
	runs repository.RunRepository,
	executor RunExecutor,
	logger *slog.Logger,
	m metrics.MetricsCollector,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Scheduler{
		subs:           subs,
		runs:           runs,
		executor:       executor,
		logger:         logger,
		metrics:        m,
		maxConcurrency: maxConcurrency,
		leaseTimeout:   DefaultLeaseTimeout,
		now:            time.Now,
		sem:            make(chan struct{}, maxConcurrency),
		inflight:       make(map[int64]context.CancelFunc),
	}
}

// SetClock は実行対象の判定に使う時計を差し替える。
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetLeaseTimeout は確保を回収するまでの時間を設定する。0以下の場合は変更しない。
func (s *Scheduler) SetLeaseTimeout(d time.Duration) {
	if d > 0 {
		s.leaseTimeout = d
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// 各回の実行で、延長の途絶えた確保を回収してから実行対象の購読を開始する。
// コンテキストがキャンセルされると、実行中のRunの終了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("購読スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スケジューリングに失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("購読スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スケジューリングに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は期限切れの確保を回収した後、実行対象の購読を取得し、
// 空きのある範囲でRunを開始する。
// Runの終了は待たない。空きが無い購読は次回以降に持ち越す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.recoverStale(ctx)

	due, err := s.subs.ListDue(ctx, s.now())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	started := 0
	for _, sub := range due {
		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Info("同時実行数の上限に達したため残りの購読は次回に持ち越します",
				slog.Int("pending", len(due)-started),
			)
			return nil
		}

		ok, err := s.dispatch(ctx, sub)
		if err != nil || !ok {
			<-s.sem
			if err != nil {
				s.logger.Error("Runの開始に失敗しました",
					slog.Int64("subscription_id", sub.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		started++
	}

	s.logger.Info("スケジューリングが完了しました",
		slog.Int("due", len(due)),
		slog.Int("started", started),
	)
	return nil
}

// recoverStale は確保日時がleaseTimeoutより古いrunningの購読を回収する。
func (s *Scheduler) recoverStale(ctx context.Context) {
	n, err := s.subs.RecoverStale(ctx, recoverReason, s.now().Add(-s.leaseTimeout))
	if err != nil {
		s.logger.Error("中断された購読の回収に失敗しました", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Warn("中断された購読を回収しました", slog.Int("count", n))
	}
}

// dispatch は購読を確保してRunを作成し、別goroutineで実行する。
// 既に実行中の購読は確保できずfalseを返す。
// 戻り値がtrueの場合、セマフォはRunの終了時に解放される。
func (s *Scheduler) dispatch(ctx context.Context, sub *model.Subscription) (bool, error) {
	s.mu.Lock()
	if _, running := s.inflight[sub.ID]; running {
		s.mu.Unlock()
		return false, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.inflight[sub.ID] = cancel
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inflight, sub.ID)
		s.mu.Unlock()
		cancel()
	}

	token := uuid.NewString()
	claimed, err := s.subs.Claim(ctx, sub.ID, token)
	if err != nil || !claimed {
		release()
		return false, err
	}

	run := &model.Run{
		SubscriptionID: sub.ID,
		Site:           sub.Site,
		Tags:           sub.Tags,
		Status:         model.RunStatusPending,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.complete(ctx, sub, token, model.RunStatusFailed, err.Error(), s.now())
		release()
		return false, err
	}

	s.logger.Info("Runを開始します",
		slog.Int64("subscription_id", sub.ID),
		slog.Int64("run_id", run.ID),
		slog.String("site", string(sub.Site)),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer release()

		stop := s.keepAlive(runCtx, sub.ID, token, cancel)
		result := s.executor.Execute(runCtx, sub, run)
		stop()
		completedAt := s.now()
		if result.FinishedAt != nil {
			completedAt = *result.FinishedAt
		}
		s.complete(ctx, sub, token, result.Status, result.Error, completedAt)
		s.metrics.RecordRun(string(sub.Site), string(result.Status))
	}()
	return true, nil
}

// keepAlive はRunの実行中、leaseTimeoutの1/3ごとに確保日時を延長する。
// 確保が他のワーカーに回収されていた場合はlostを呼ぶ。
// 戻り値の関数で延長を止め、goroutineの終了を待つ。
func (s *Scheduler) keepAlive(ctx context.Context, id int64, token string, lost func()) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.leaseTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := s.subs.Heartbeat(context.WithoutCancel(ctx), id, token)
				if err != nil {
					s.logger.Warn("購読の確保の延長に失敗しました",
						slog.Int64("subscription_id", id),
						slog.String("error", err.Error()),
					)
					continue
				}
				if !held {
					s.logger.Warn("購読の確保が失われたためRunを中断します",
						slog.Int64("subscription_id", id),
					)
					lost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// complete はRunの結果を購読に反映し、次回実行日時を完了日時+間隔に設定する。
// 間隔は実行開始時の値ではなく保存済みの購読から読み直す。
func (s *Scheduler) complete(ctx context.Context, sub *model.Subscription, token string, status model.RunStatus, runErr string, completedAt time.Time) {
	ctx = context.WithoutCancel(ctx)
	subStatus := model.SubscriptionStatusIdle
	if status != model.RunStatusFinished {
		subStatus = model.SubscriptionStatusError
	}

	current, err := s.subs.FindByID(ctx, sub.ID)
	switch {
	case err != nil:
		s.logger.Warn("購読の再取得に失敗したため実行開始時の設定を使用します",
			slog.Int64("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	case current == nil:
		// 実行中に削除された
		return
	default:
		sub = current
	}

	interval, err := model.ParseInterval(sub.Interval)
	if err != nil {
		// 作成時に検証済みのため通常は起きない
		s.logger.Error("購読の実行間隔が不正です",
			slog.Int64("subscription_id", sub.ID),
			slog.String("interval", sub.Interval),
		)
		interval = 24 * time.Hour
		subStatus = model.SubscriptionStatusError
		runErr = err.Error()
	}

	nextRun := completedAt.Add(interval)
	if err := s.subs.Complete(ctx, sub.ID, token, subStatus, runErr, nextRun); err != nil {
		s.logger.Error("購読の状態更新に失敗しました",
			slog.Int64("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Cancel はこのプロセスで実行中の購読のRunをキャンセルする。
// キャンセルは次のページ取得の前に反映される。
func (s *Scheduler) Cancel(subscriptionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.inflight[subscriptionID]
	if ok {
		cancel()
	}
	return ok
}

// Running はこのプロセスで実行中の購読IDの数を返す。
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Wait は実行中の全Runの終了を待つ。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

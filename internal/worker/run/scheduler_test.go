package run

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository/memory"
)

// mockExecutor はExecuteの動作を差し替えられるRunExecutor。
type mockExecutor struct {
	executeFunc func(ctx context.Context, sub *model.Subscription, run *model.Run) *model.Run
	calls       atomic.Int32
}

func (m *mockExecutor) Execute(ctx context.Context, sub *model.Subscription, run *model.Run) *model.Run {
	m.calls.Add(1)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, sub, run)
	}
	run.Status = model.RunStatusFinished
	run.Finished = true
	return run
}

func finishedAt(run *model.Run, status model.RunStatus, at time.Time) *model.Run {
	run.Status = status
	run.Finished = true
	run.FinishedAt = &at
	return run
}

func createSub(t *testing.T, store *memory.Store, sub *model.Subscription) *model.Subscription {
	t.Helper()
	if sub.Site == "" {
		sub.Site = model.SiteDanbooru
	}
	if sub.Limit == 0 {
		sub.Limit = 10
	}
	if sub.Interval == "" {
		sub.Interval = "6h"
	}
	if err := store.Subscriptions().Create(context.Background(), sub); err != nil {
		t.Fatalf("購読の作成に失敗: %v", err)
	}
	return sub
}

func newTestScheduler(store *memory.Store, exec RunExecutor, buf *bytes.Buffer) *Scheduler {
	return NewScheduler(store.Subscriptions(), store.Runs(), exec, newTestLogger(buf), nil, 4)
}

func TestNewScheduler_DefaultConcurrency(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(memory.New().Subscriptions(), nil, &mockExecutor{}, newTestLogger(&buf), nil, 0)
	if s.maxConcurrency != 4 || cap(s.sem) != 4 {
		t.Errorf("maxConcurrency = %d, want 4 (default)", s.maxConcurrency)
	}
}

func TestScheduler_FinishedRunSetsIdleAndNextRun(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	T := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sub := createSub(t, store, &model.Subscription{Interval: "6h", NextRun: T.Add(-time.Minute)})

	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		return finishedAt(run, model.RunStatusFinished, T)
	}}
	s := newTestScheduler(store, exec, &buf)
	s.SetClock(func() time.Time { return T })

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	s.Wait()

	got, _ := store.Subscriptions().FindByID(context.Background(), sub.ID)
	if got.Status != model.SubscriptionStatusIdle {
		t.Errorf("Status = %q, want idle", got.Status)
	}
	if !got.NextRun.Equal(T.Add(6 * time.Hour)) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, T.Add(6*time.Hour))
	}
	if n, _ := store.Runs().CountBySubscription(context.Background(), sub.ID); n != 1 {
		t.Errorf("Run数 = %d, want 1", n)
	}
}

func TestScheduler_FailedRunSetsError(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	T := time.Now()
	sub := createSub(t, store, &model.Subscription{Interval: "every 2 hours", NextRun: T.Add(-time.Minute)})

	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		run.Error = "site unavailable"
		return finishedAt(run, model.RunStatusFailed, T)
	}}
	s := newTestScheduler(store, exec, &buf)
	s.RunOnce(context.Background())
	s.Wait()

	got, _ := store.Subscriptions().FindByID(context.Background(), sub.ID)
	if got.Status != model.SubscriptionStatusError || got.LastError != "site unavailable" {
		t.Errorf("失敗したRunで購読はerrorになるべき: %+v", got)
	}
	if !got.NextRun.Equal(T.Add(2 * time.Hour)) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, T.Add(2*time.Hour))
	}
}

func TestScheduler_AtMostOneConcurrentRunPerSubscription(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	sub := createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Minute)})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		started <- struct{}{}
		<-release
		return finishedAt(run, model.RunStatusFinished, time.Now())
	}}

	// 同じリポジトリを共有する2つのスケジューラは別プロセスを模す
	var bufB bytes.Buffer
	a := newTestScheduler(store, exec, &buf)
	b := newTestScheduler(store, exec, &bufB)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, a, b, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.RunOnce(context.Background())
		}(s)
	}
	wg.Wait()
	<-started

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("同時に実行されたRun数 = %d, want 1", got)
	}
	cur, _ := store.Subscriptions().FindByID(context.Background(), sub.ID)
	if cur.Status != model.SubscriptionStatusRunning {
		t.Errorf("実行中の購読はrunningであるべき: %q", cur.Status)
	}

	close(release)
	a.Wait()
	b.Wait()
	if n, _ := store.Runs().CountBySubscription(context.Background(), sub.ID); n != 1 {
		t.Errorf("Run数 = %d, want 1", n)
	}
}

func TestScheduler_SkipsPausedAndNotDue(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	createSub(t, store, &model.Subscription{NextRun: time.Now().Add(time.Hour)})
	createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Hour), Paused: true})

	exec := &mockExecutor{}
	s := newTestScheduler(store, exec, &buf)
	s.RunOnce(context.Background())
	s.Wait()

	if exec.calls.Load() != 0 {
		t.Errorf("実行対象外の購読が実行された: %d", exec.calls.Load())
	}
}

func TestScheduler_CancelStopsInProcessRun(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	sub := createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Minute)})

	running := make(chan struct{})
	exec := &mockExecutor{executeFunc: func(ctx context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		close(running)
		<-ctx.Done()
		run.Cancelled = true
		run.Error = model.ErrCancelled.Error()
		return finishedAt(run, model.RunStatusFailed, time.Now())
	}}
	s := newTestScheduler(store, exec, &buf)
	s.RunOnce(context.Background())
	<-running

	if s.Running() != 1 {
		t.Errorf("Running = %d, want 1", s.Running())
	}
	if !s.Cancel(sub.ID) {
		t.Fatal("実行中の購読のCancelはtrueを返すべき")
	}
	s.Wait()

	if s.Cancel(sub.ID) {
		t.Error("終了後のCancelはfalseを返すべき")
	}
	got, _ := store.Subscriptions().FindByID(context.Background(), sub.ID)
	if got.Status != model.SubscriptionStatusError {
		t.Errorf("キャンセルされた購読はerrorになるべき: %q", got.Status)
	}
}

func TestScheduler_StartRecoversExpiredClaims(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	ctx := context.Background()
	sub := createSub(t, store, &model.Subscription{NextRun: time.Now().Add(24 * time.Hour)})
	store.Subscriptions().Claim(ctx, sub.ID, "crashed-worker")
	stale := &model.Run{SubscriptionID: sub.ID, Site: sub.Site}
	store.Runs().Create(ctx, stale)

	s := newTestScheduler(store, &mockExecutor{}, &buf)
	s.SetClock(func() time.Time { return time.Now().Add(DefaultLeaseTimeout + time.Minute) })
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		s.Start(runCtx, time.Hour)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	got, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	if got.Status != model.SubscriptionStatusError || got.LastError != recoverReason {
		t.Errorf("期限切れの確保はerrorに戻るべき: %+v", got)
	}
	r, _ := store.Runs().FindByID(ctx, stale.ID)
	if !r.Finished || r.Status != model.RunStatusFailed {
		t.Errorf("中断されたRunはfailedになるべき: %+v", r)
	}
	if !bytes.Contains(buf.Bytes(), []byte("購読スケジューラを停止しました")) {
		t.Error("停止ログが出力されていない")
	}
}

func TestScheduler_StartingSecondWorkerKeepsLiveClaim(t *testing.T) {
	var bufA, bufB bytes.Buffer
	store := memory.New()
	ctx := context.Background()
	sub := createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Minute)})

	var active, peak atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return finishedAt(run, model.RunStatusFinished, time.Now())
	}}

	a := newTestScheduler(store, exec, &bufA)
	a.RunOnce(ctx)
	<-started

	// 実行中に別のワーカーが起動する
	b := newTestScheduler(store, exec, &bufB)
	bCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		b.Start(bCtx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	cur, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	if cur.Status != model.SubscriptionStatusRunning {
		t.Errorf("実行中の確保が回収された: %+v", cur)
	}
	if bytes.Contains(bufB.Bytes(), []byte("中断された購読を回収しました")) {
		t.Error("2台目のワーカーが実行中の確保を回収した")
	}

	close(release)
	a.Wait()
	if got := peak.Load(); got != 1 {
		t.Errorf("同一購読の同時実行数の最大値 = %d, want 1", got)
	}
	if n, _ := store.Runs().CountBySubscription(ctx, sub.ID); n != 1 {
		t.Errorf("作成されたRun数 = %d, want 1", n)
	}
	got, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	if got.Status != model.SubscriptionStatusIdle {
		t.Errorf("Status = %q, want idle", got.Status)
	}
}

func TestScheduler_HeartbeatOutlivesLeaseTimeout(t *testing.T) {
	var bufA, bufB bytes.Buffer
	store := memory.New()
	ctx := context.Background()
	sub := createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Minute)})

	lease := 300 * time.Millisecond
	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		time.Sleep(3 * lease)
		return finishedAt(run, model.RunStatusFinished, time.Now())
	}}
	a := newTestScheduler(store, exec, &bufA)
	a.SetLeaseTimeout(lease)
	b := newTestScheduler(store, exec, &bufB)
	b.SetLeaseTimeout(lease)

	a.RunOnce(ctx)
	deadline := time.Now().Add(3 * lease)
	for time.Now().Before(deadline) {
		b.RunOnce(ctx)
		time.Sleep(50 * time.Millisecond)
	}
	a.Wait()
	b.Wait()

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("実行されたRun数 = %d, want 1", got)
	}
	got, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	if got.Status != model.SubscriptionStatusIdle || got.LastError != "" {
		t.Errorf("延長中の確保が回収された: %+v", got)
	}
}

func TestScheduler_LostClaimCancelsRun(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	ctx := context.Background()
	sub := createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Minute)})

	running := make(chan struct{})
	exec := &mockExecutor{executeFunc: func(ctx context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		close(running)
		<-ctx.Done()
		run.Cancelled = true
		run.Error = model.ErrCancelled.Error()
		return finishedAt(run, model.RunStatusFailed, time.Now())
	}}
	s := newTestScheduler(store, exec, &buf)
	s.SetLeaseTimeout(60 * time.Millisecond)
	s.RunOnce(ctx)
	<-running

	// 別のワーカーが確保を回収した状態を作る
	if n, _ := store.Subscriptions().RecoverStale(ctx, "reclaimed", time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("RecoverStale = %d, want 1", n)
	}
	s.Wait()

	got, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	if got.Status != model.SubscriptionStatusError || got.LastError != "reclaimed" {
		t.Errorf("回収後の完了記録で購読が上書きされた: %+v", got)
	}
	if !bytes.Contains(buf.Bytes(), []byte("購読の確保が失われたためRunを中断します")) {
		t.Error("確保喪失のログが出力されていない")
	}
}

func TestScheduler_CompleteUsesIntervalUpdatedDuringRun(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	ctx := context.Background()
	T := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := createSub(t, store, &model.Subscription{Interval: "6h", NextRun: T.Add(-time.Minute)})

	running := make(chan struct{})
	release := make(chan struct{})
	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		close(running)
		<-release
		return finishedAt(run, model.RunStatusFinished, T)
	}}
	s := newTestScheduler(store, exec, &buf)
	s.SetClock(func() time.Time { return T })
	s.RunOnce(ctx)
	<-running

	cur, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	cur.Interval = "1h"
	if err := store.Subscriptions().Update(ctx, cur); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}
	close(release)
	s.Wait()

	got, _ := store.Subscriptions().FindByID(ctx, sub.ID)
	if !got.NextRun.Equal(T.Add(time.Hour)) {
		t.Errorf("NextRun = %v, want %v (更新後の間隔)", got.NextRun, T.Add(time.Hour))
	}
}

func TestScheduler_RunOnceDefersWhenPoolIsFull(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	for i := 0; i < 3; i++ {
		createSub(t, store, &model.Subscription{NextRun: time.Now().Add(-time.Minute)})
	}

	release := make(chan struct{})
	exec := &mockExecutor{executeFunc: func(_ context.Context, _ *model.Subscription, run *model.Run) *model.Run {
		<-release
		return finishedAt(run, model.RunStatusFinished, time.Now())
	}}
	s := NewScheduler(store.Subscriptions(), store.Runs(), exec, newTestLogger(&buf), nil, 2)
	s.RunOnce(context.Background())

	if s.Running() != 2 {
		t.Errorf("Running = %d, want 2", s.Running())
	}
	close(release)
	s.Wait()

	s.RunOnce(context.Background())
	s.Wait()
	if exec.calls.Load() != 3 {
		t.Errorf("持ち越した購読が次回に実行されていない: %d", exec.calls.Load())
	}
}

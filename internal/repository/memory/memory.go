// Package memory はテストとローカル実行用のインメモリリポジトリを提供する。
// PostgreSQL実装と同じ一意性・カスケード・カウンタの規則を守る。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
)

// Store は全リポジトリが共有する状態。
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextFileID int64
	nextTagID  int64
	nextSrcID  int64
	nextSubID  int64
	nextRunID  int64

	files    map[int64]*model.File
	fileHash map[string]int64
	tags     map[model.TagKey]*model.Tag
	sources  map[string]*model.Source
	fileTags map[int64]map[model.TagKey]struct{}
	fileSrcs map[int64]map[string]struct{}
	subs     map[int64]*model.Subscription
	claims   map[int64]claim
	runs     map[int64]*model.Run
	logs     map[int64][]*model.Log
	logByURL map[int64]map[string]struct{}
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		now:      time.Now,
		files:    make(map[int64]*model.File),
		fileHash: make(map[string]int64),
		tags:     make(map[model.TagKey]*model.Tag),
		sources:  make(map[string]*model.Source),
		fileTags: make(map[int64]map[model.TagKey]struct{}),
		fileSrcs: make(map[int64]map[string]struct{}),
		subs:     make(map[int64]*model.Subscription),
		claims:   make(map[int64]claim),
		runs:     make(map[int64]*model.Run),
		logs:     make(map[int64][]*model.Log),
		logByURL: make(map[int64]map[string]struct{}),
	}
}

// claim は購読の確保トークンと最後に確保を延長した日時。
type claim struct {
	token string
	at    time.Time
}

// SetClock は時刻の取得関数を差し替える。
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Files はFileRepositoryを返す。
func (s *Store) Files() *FileRepo { return &FileRepo{s: s} }

// Tags はTagRepositoryを返す。
func (s *Store) Tags() *TagRepo { return &TagRepo{s: s} }

// Subscriptions はSubscriptionRepositoryを返す。
func (s *Store) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{s: s} }

// Runs はRunRepositoryを返す。
func (s *Store) Runs() *RunRepo { return &RunRepo{s: s} }

// --- files ---

// FileRepo はrepository.FileRepositoryのインメモリ実装。
type FileRepo struct{ s *Store }

// snapshotFile はロック保持中に呼び、関連を含むコピーを返す。
func (s *Store) snapshotFile(id int64) *model.File {
	f, ok := s.files[id]
	if !ok {
		return nil
	}
	cp := *f
	cp.Tags = nil
	cp.Sources = nil

	keys := make([]model.TagKey, 0, len(s.fileTags[id]))
	for k := range s.fileTags[id] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Value < keys[j].Value
	})
	for _, k := range keys {
		cp.Tags = append(cp.Tags, *s.tags[k])
	}

	urls := make([]string, 0, len(s.fileSrcs[id]))
	for u := range s.fileSrcs[id] {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		cp.Sources = append(cp.Sources, *s.sources[u])
	}
	return &cp
}

// FindByID は指定IDのファイルを返す。見つからない場合はnilを返す。
func (r *FileRepo) FindByID(_ context.Context, id int64) (*model.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.snapshotFile(id), nil
}

// FindByHash はハッシュでファイルを返す。見つからない場合はnilを返す。
func (r *FileRepo) FindByHash(_ context.Context, hash string) (*model.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.fileHash[hash]
	if !ok {
		return nil, nil
	}
	return r.s.snapshotFile(id), nil
}

// Create はファイルを作成する。ハッシュが既存の場合はErrDuplicateHashを返す。
func (r *FileRepo) Create(_ context.Context, file *model.File, changes model.FileChanges) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.fileHash[file.Hash]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateHash, file.Hash)
	}

	r.s.nextFileID++
	now := r.s.now()
	file.ID = r.s.nextFileID
	file.CreatedAt = now
	file.UpdatedAt = now
	if file.Rating == "" {
		file.Rating = model.RatingUnset
	}
	if file.Status == "" {
		file.Status = model.FileStatusActive
	}

	stored := *file
	stored.Tags = nil
	stored.Sources = nil
	r.s.files[file.ID] = &stored
	r.s.fileHash[file.Hash] = file.ID
	r.s.fileTags[file.ID] = make(map[model.TagKey]struct{})
	r.s.fileSrcs[file.ID] = make(map[string]struct{})
	r.s.apply(file.ID, changes)

	*file = *r.s.snapshotFile(file.ID)
	return nil
}

// Update はファイルに差分を適用する。存在しない場合はErrNotFoundを返す。
func (r *FileRepo) Update(_ context.Context, id int64, changes model.FileChanges) (*model.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	f, ok := r.s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %d", model.ErrNotFound, id)
	}
	r.s.apply(id, changes)
	f.UpdatedAt = r.s.now()
	return r.s.snapshotFile(id), nil
}

// apply はロック保持中に差分を適用する。
func (s *Store) apply(id int64, changes model.FileChanges) {
	for _, k := range changes.ConnectTags {
		if _, ok := s.tags[k]; !ok {
			s.nextTagID++
			s.tags[k] = &model.Tag{ID: s.nextTagID, Namespace: k.Namespace, Value: k.Value}
		}
		s.fileTags[id][k] = struct{}{}
	}
	for _, k := range changes.DisconnectTags {
		delete(s.fileTags[id], k)
	}
	for _, src := range changes.ConnectSources {
		if src.Status == "" {
			src.Status = model.SourceStatusPending
		}
		existing, ok := s.sources[src.URL]
		if !ok {
			s.nextSrcID++
			src.ID = s.nextSrcID
			cp := src
			s.sources[src.URL] = &cp
		} else {
			existing.Site = src.Site
			existing.Status = src.Status
		}
		s.fileSrcs[id][src.URL] = struct{}{}
	}
	for _, u := range changes.DisconnectSources {
		delete(s.fileSrcs[id], u)
	}
	if changes.Rating != nil {
		s.files[id].Rating = *changes.Rating
	}
}

// Search は削除済み以外のファイルをID降順で返す。
func (r *FileRepo) Search(_ context.Context, tags []model.TagKey, offset, limit int) ([]*model.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := make([]int64, 0, len(r.s.files))
	for id, f := range r.s.files {
		if f.Status == model.FileStatusDeleted {
			continue
		}
		if len(tags) > 0 && !r.s.hasAnyTag(id, tags) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	if offset >= len(ids) {
		return []*model.File{}, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*model.File, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.s.snapshotFile(id))
	}
	return out, nil
}

func (s *Store) hasAnyTag(id int64, tags []model.TagKey) bool {
	for _, k := range tags {
		if _, ok := s.fileTags[id][k]; ok {
			return true
		}
	}
	return false
}

// SourceExists はURLがいずれかのファイルに接続済みかを返す。
func (r *FileRepo) SourceExists(_ context.Context, url string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, srcs := range r.s.fileSrcs {
		if _, ok := srcs[url]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Stats はファイル数とタグ数を返す。
func (r *FileRepo) Stats(_ context.Context) (model.FileStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := model.FileStats{Tags: len(r.s.tags)}
	for _, f := range r.s.files {
		if f.Status != model.FileStatusDeleted {
			stats.Files++
		}
	}
	return stats, nil
}

// SetStatus はファイルの状態を変更する（テスト用）。
func (r *FileRepo) SetStatus(id int64, status model.FileStatus) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if f, ok := r.s.files[id]; ok {
		f.Status = status
	}
}

// --- tags ---

// TagRepo はrepository.TagRepositoryのインメモリ実装。
type TagRepo struct{ s *Store }

// SearchPrefix は値がprefixで始まるタグを付与ファイル数の多い順に返す。
func (r *TagRepo) SearchPrefix(_ context.Context, prefix string, limit int) ([]model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]model.Tag, 0)
	for k, tag := range r.s.tags {
		if !strings.HasPrefix(tag.Value, prefix) {
			continue
		}
		t := *tag
		for _, ft := range r.s.fileTags {
			if _, ok := ft[k]; ok {
				t.Count++
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- subscriptions ---

// SubscriptionRepo はrepository.SubscriptionRepositoryのインメモリ実装。
type SubscriptionRepo struct{ s *Store }

func copySubscription(sub *model.Subscription) *model.Subscription {
	cp := *sub
	cp.Tags = append([]string(nil), sub.Tags...)
	cp.TagBlacklist = append([]string(nil), sub.TagBlacklist...)
	cp.Runs = nil
	return &cp
}

// FindByID は指定IDの購読を返す。見つからない場合はnilを返す。
func (r *SubscriptionRepo) FindByID(_ context.Context, id int64) (*model.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[id]
	if !ok {
		return nil, nil
	}
	return copySubscription(sub), nil
}

// List は全購読をID昇順で返す。
func (r *SubscriptionRepo) List(_ context.Context) ([]*model.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.listSubs(func(*model.Subscription) bool { return true }), nil
}

func (s *Store) listSubs(keep func(*model.Subscription) bool) []*model.Subscription {
	out := make([]*model.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create は購読を作成する。
func (r *SubscriptionRepo) Create(_ context.Context, sub *model.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextSubID++
	now := r.s.now()
	sub.ID = r.s.nextSubID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = model.SubscriptionStatusIdle
	}
	r.s.subs[sub.ID] = copySubscription(sub)
	return nil
}

// Update は購読の設定を更新する。
func (r *SubscriptionRepo) Update(_ context.Context, sub *model.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.subs[sub.ID]
	if !ok {
		return fmt.Errorf("%w: subscription %d", model.ErrNotFound, sub.ID)
	}
	cur.Site = sub.Site
	cur.Tags = append([]string(nil), sub.Tags...)
	cur.TagBlacklist = append([]string(nil), sub.TagBlacklist...)
	cur.Limit = sub.Limit
	cur.Interval = sub.Interval
	cur.NextRun = sub.NextRun
	cur.UpdatedAt = r.s.now()
	return nil
}

// Delete は購読とそのRun・ログを削除する。
func (r *SubscriptionRepo) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subs[id]; !ok {
		return fmt.Errorf("%w: subscription %d", model.ErrNotFound, id)
	}
	delete(r.s.subs, id)
	delete(r.s.claims, id)
	for runID, run := range r.s.runs {
		if run.SubscriptionID == id {
			delete(r.s.runs, runID)
			delete(r.s.logs, runID)
			delete(r.s.logByURL, runID)
		}
	}
	return nil
}

// SetPaused は一時停止状態を切り替える。
func (r *SubscriptionRepo) SetPaused(_ context.Context, id int64, paused bool) error {
	return r.modify(id, func(sub *model.Subscription) { sub.Paused = paused })
}

// SetNextRun は次回実行日時を更新する。
func (r *SubscriptionRepo) SetNextRun(_ context.Context, id int64, nextRun time.Time) error {
	return r.modify(id, func(sub *model.Subscription) { sub.NextRun = nextRun })
}

func (r *SubscriptionRepo) modify(id int64, fn func(*model.Subscription)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[id]
	if !ok {
		return fmt.Errorf("%w: subscription %d", model.ErrNotFound, id)
	}
	fn(sub)
	sub.UpdatedAt = r.s.now()
	return nil
}

// ListDue は実行対象の購読を返す。
func (r *SubscriptionRepo) ListDue(_ context.Context, now time.Time) ([]*model.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.listSubs(func(sub *model.Subscription) bool {
		return !sub.Paused && sub.Status != model.SubscriptionStatusRunning && !sub.NextRun.After(now)
	}), nil
}

// Claim は購読をrunningに遷移させ、確保トークンを記録する。
func (r *SubscriptionRepo) Claim(_ context.Context, id int64, token string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[id]
	if !ok || sub.Paused || sub.Status == model.SubscriptionStatusRunning {
		return false, nil
	}
	now := r.s.now()
	sub.Status = model.SubscriptionStatusRunning
	sub.LastError = ""
	sub.UpdatedAt = now
	r.s.claims[id] = claim{token: token, at: now}
	return true, nil
}

// Heartbeat は確保日時を更新する。
func (r *SubscriptionRepo) Heartbeat(_ context.Context, id int64, token string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok || c.token != token {
		return false, nil
	}
	c.at = r.s.now()
	r.s.claims[id] = c
	return true, nil
}

// Complete はRun終了後の状態と次回実行日時を記録し、確保を解放する。
func (r *SubscriptionRepo) Complete(_ context.Context, id int64, token string, status model.SubscriptionStatus, lastError string, nextRun time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[id]
	if !ok {
		return nil
	}
	if c, held := r.s.claims[id]; !held || c.token != token {
		return nil
	}
	delete(r.s.claims, id)
	sub.Status = status
	sub.LastError = lastError
	sub.NextRun = nextRun
	sub.UpdatedAt = r.s.now()
	return nil
}

// RecoverStale は確保日時がstaleBeforeより古いrunningの購読と、その未終了Runを回収する。
func (r *SubscriptionRepo) RecoverStale(_ context.Context, reason string, staleBefore time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	count := 0
	for _, sub := range r.s.subs {
		if sub.Status != model.SubscriptionStatusRunning {
			continue
		}
		if c, held := r.s.claims[sub.ID]; held && !c.at.Before(staleBefore) {
			continue
		}
		for _, run := range r.s.runs {
			if run.SubscriptionID == sub.ID && !run.Finished {
				run.Status = model.RunStatusFailed
				run.Finished = true
				t := now
				run.FinishedAt = &t
				run.Error = reason
			}
		}
		delete(r.s.claims, sub.ID)
		sub.Status = model.SubscriptionStatusError
		sub.LastError = reason
		count++
	}
	return count, nil
}

// --- runs ---

// RunRepo はrepository.RunRepositoryのインメモリ実装。
type RunRepo struct{ s *Store }

func copyRun(run *model.Run) *model.Run {
	cp := *run
	cp.Tags = append([]string(nil), run.Tags...)
	cp.Logs = nil
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Create はRunを作成する。
func (r *RunRepo) Create(_ context.Context, run *model.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subs[run.SubscriptionID]; !ok {
		return fmt.Errorf("%w: subscription %d", model.ErrNotFound, run.SubscriptionID)
	}
	r.s.nextRunID++
	now := r.s.now()
	run.ID = r.s.nextRunID
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	r.s.runs[run.ID] = copyRun(run)
	r.s.logByURL[run.ID] = make(map[string]struct{})
	return nil
}

// FindByID は指定IDのRunをログ付きで返す。見つからない場合はnilを返す。
func (r *RunRepo) FindByID(_ context.Context, id int64) (*model.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := copyRun(run)
	for _, l := range r.s.logs[id] {
		lc := *l
		if l.FileID != nil {
			lc.File = r.s.snapshotFile(*l.FileID)
		}
		cp.Logs = append(cp.Logs, &lc)
	}
	return cp, nil
}

// ListBySubscription は購読のRunを新しい順に返す。
func (r *RunRepo) ListBySubscription(_ context.Context, subscriptionID int64, limit int) ([]*model.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Run
	for _, run := range r.s.runs {
		if run.SubscriptionID == subscriptionID {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountBySubscription は購読のRun数を返す。
func (r *RunRepo) CountBySubscription(_ context.Context, subscriptionID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, run := range r.s.runs {
		if run.SubscriptionID == subscriptionID {
			n++
		}
	}
	return n, nil
}

// UpdateProgress はRunの状態、カーソル、ページ番号を更新する。
func (r *RunRepo) UpdateProgress(_ context.Context, run *model.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: run %d", model.ErrNotFound, run.ID)
	}
	cur.Status = run.Status
	cur.Cursor = run.Cursor
	cur.PageNumber = run.PageNumber
	cur.UpdatedAt = r.s.now()
	return nil
}

// Finish はRunを終端状態として記録する。
func (r *RunRepo) Finish(_ context.Context, run *model.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: run %d", model.ErrNotFound, run.ID)
	}
	cur.Status = run.Status
	cur.Cursor = run.Cursor
	cur.PageNumber = run.PageNumber
	cur.Finished = true
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		cur.FinishedAt = &t
	}
	cur.Cancelled = run.Cancelled
	cur.Error = run.Error
	cur.DownloadedURLCount = max(cur.DownloadedURLCount, run.DownloadedURLCount)
	cur.SkippedURLCount = max(cur.SkippedURLCount, run.SkippedURLCount)
	cur.FailedURLCount = max(cur.FailedURLCount, run.FailedURLCount)
	cur.UpdatedAt = r.s.now()
	return nil
}

// RecordLog はログを追加し、対応するカウンタを1つ進める。
func (r *RunRepo) RecordLog(_ context.Context, l *model.Log) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[l.RunID]
	if !ok {
		return false, fmt.Errorf("%w: run %d", model.ErrNotFound, l.RunID)
	}
	switch l.Status {
	case model.LogStatusDownloaded, model.LogStatusSkipped, model.LogStatusFailed:
	default:
		return false, fmt.Errorf("不正なログ状態です: %q", l.Status)
	}
	if _, dup := r.s.logByURL[l.RunID][l.URL]; dup {
		return false, nil
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := r.s.now()
	l.CreatedAt = now
	l.UpdatedAt = now

	cp := *l
	cp.File = nil
	r.s.logs[l.RunID] = append(r.s.logs[l.RunID], &cp)
	r.s.logByURL[l.RunID][l.URL] = struct{}{}
	run.Count(l.Status)
	run.UpdatedAt = now
	return true, nil
}

// HasLog は同一RunでURLが記録済みかを返す。
func (r *RunRepo) HasLog(_ context.Context, runID int64, url string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.logByURL[runID][url]
	return ok, nil
}

// compile-time interface check
var (
	_ repository.FileRepository         = (*FileRepo)(nil)
	_ repository.TagRepository          = (*TagRepo)(nil)
	_ repository.SubscriptionRepository = (*SubscriptionRepo)(nil)
	_ repository.RunRepository          = (*RunRepo)(nil)
)

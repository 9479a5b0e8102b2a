package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
	"github.com/hitoshi/tagvault/internal/repository/memory"
)

// pngBytes はPNGシグネチャとIHDRチャンクを持つ最小限のバイト列。
func pngBytes(seed byte) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00"), seed)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fakeStore はメモリ上に書き込みを記録するStorage。
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writes   int
	deletes  int
	writeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Write(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.objects[name] = data
	return nil
}

func (s *fakeStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.objects, name)
	return nil
}

func (s *fakeStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[name]
	return ok, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// mockFileRepo は一部のメソッドだけを差し替えられるFileRepository。
type mockFileRepo struct {
	repository.FileRepository
	findByHashFn func(ctx context.Context, hash string) (*model.File, error)
	createFn     func(ctx context.Context, file *model.File, changes model.FileChanges) error
	updateFn     func(ctx context.Context, id int64, changes model.FileChanges) (*model.File, error)
}

func (m *mockFileRepo) FindByHash(ctx context.Context, hash string) (*model.File, error) {
	if m.findByHashFn != nil {
		return m.findByHashFn(ctx, hash)
	}
	return m.FileRepository.FindByHash(ctx, hash)
}

func (m *mockFileRepo) Create(ctx context.Context, file *model.File, changes model.FileChanges) error {
	if m.createFn != nil {
		return m.createFn(ctx, file, changes)
	}
	return m.FileRepository.Create(ctx, file, changes)
}

func (m *mockFileRepo) Update(ctx context.Context, id int64, changes model.FileChanges) (*model.File, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, changes)
	}
	return m.FileRepository.Update(ctx, id, changes)
}

func identifyAll(string) model.Site { return model.SiteDanbooru }

func newTestPipeline(files repository.FileRepository, store *fakeStore) (*Pipeline, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewPipeline(files, store, identifyAll, newTestLogger(&buf), nil), &buf
}

func TestIngest_NewPNGWithTagsDefaultsRatingUnset(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(memory.New().Files(), store)

	result, err := p.Ingest(context.Background(), Input{
		Data: pngBytes(1),
		Tags: []string{"1girl", "artist:foo"},
	})
	if err != nil {
		t.Fatalf("Ingest がエラーを返した: %v", err)
	}
	if result.Duplicate {
		t.Fatal("新規ファイルが Duplicate になった")
	}
	f := result.File
	if f.Rating != model.RatingUnset {
		t.Errorf("Rating = %q, want unset", f.Rating)
	}
	if f.MimeType != "image/png" || f.Size != int64(len(pngBytes(1))) {
		t.Errorf("MIMEタイプまたはサイズが不正: %+v", f)
	}
	want := map[model.TagKey]bool{
		{Namespace: "tag", Value: "1girl"}:  true,
		{Namespace: "artist", Value: "foo"}: true,
	}
	if len(f.Tags) != 2 {
		t.Fatalf("タグ数 = %d, want 2", len(f.Tags))
	}
	for _, tag := range f.Tags {
		if !want[tag.Key()] {
			t.Errorf("予期しないタグ: %+v", tag)
		}
	}
	if ok, _ := store.Exists(context.Background(), f.Filename); !ok {
		t.Error("ストレージにファイルが書き込まれていない")
	}
}

func TestIngest_SameBytesTwiceIsDuplicateWithoutWrite(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(memory.New().Files(), store)
	ctx := context.Background()

	first, err := p.Ingest(ctx, Input{Data: pngBytes(2), Tags: []string{"cat"}})
	if err != nil {
		t.Fatalf("1回目の Ingest がエラーを返した: %v", err)
	}
	second, err := p.Ingest(ctx, Input{Data: pngBytes(2), Tags: []string{"dog"}})
	if err != nil {
		t.Fatalf("2回目の Ingest がエラーを返した: %v", err)
	}

	if !second.Duplicate || second.File.ID != first.File.ID {
		t.Errorf("2回目は既存ファイルの Duplicate になるべき: %+v", second)
	}
	if store.writes != 1 {
		t.Errorf("ストレージ書き込み回数 = %d, want 1", store.writes)
	}
	if len(second.File.Tags) != 1 || second.File.Tags[0].Value != "cat" {
		t.Errorf("既存ファイルのタグが変更された: %+v", second.File.Tags)
	}
}

func TestIngest_UnsupportedTypeWritesNothing(t *testing.T) {
	store := newFakeStore()
	files := memory.New().Files()
	p, _ := newTestPipeline(files, store)

	_, err := p.Ingest(context.Background(), Input{Data: []byte("just some text\n")})
	if !errors.Is(err, model.ErrUnsupportedMediaType) {
		t.Fatalf("ErrUnsupportedMediaType を返すべき: %v", err)
	}
	if store.writes != 0 {
		t.Errorf("ストレージに書き込まれた: %d", store.writes)
	}
	if stats, _ := files.Stats(context.Background()); stats.Files != 0 {
		t.Errorf("ファイルが作成された: %d", stats.Files)
	}
}

func TestIngest_CommitFailureRemovesWrittenObject(t *testing.T) {
	store := newFakeStore()
	repo := &mockFileRepo{
		FileRepository: memory.New().Files(),
		createFn: func(context.Context, *model.File, model.FileChanges) error {
			return errors.New("connection reset")
		},
	}
	p, buf := newTestPipeline(repo, store)

	_, err := p.Ingest(context.Background(), Input{Data: pngBytes(3)})
	if !errors.Is(err, model.ErrRepositoryCommit) {
		t.Fatalf("ErrRepositoryCommit を返すべき: %v", err)
	}
	if store.writes != 1 || store.count() != 0 {
		t.Errorf("書き込んだオブジェクトが残っている: writes=%d objects=%d", store.writes, store.count())
	}
	if !bytes.Contains(buf.Bytes(), []byte("ファイルの登録に失敗しました")) {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestIngest_StorageFailureCreatesNoFile(t *testing.T) {
	store := newFakeStore()
	store.writeErr = model.ErrStorageWrite
	files := memory.New().Files()
	p, _ := newTestPipeline(files, store)

	_, err := p.Ingest(context.Background(), Input{Data: pngBytes(4)})
	if !errors.Is(err, model.ErrStorageWrite) {
		t.Fatalf("ErrStorageWrite を返すべき: %v", err)
	}
	if stats, _ := files.Stats(context.Background()); stats.Files != 0 {
		t.Errorf("ファイルが作成された: %d", stats.Files)
	}
}

func TestIngest_LostRaceResolvesToDuplicate(t *testing.T) {
	store := newFakeStore()
	inner := memory.New().Files()
	winner := &model.File{Hash: "winner", Filename: "w.png", MimeType: "image/png"}

	calls := 0
	repo := &mockFileRepo{FileRepository: inner}
	repo.findByHashFn = func(context.Context, string) (*model.File, error) {
		calls++
		if calls == 1 {
			return nil, nil
		}
		return winner, nil
	}
	repo.createFn = func(context.Context, *model.File, model.FileChanges) error {
		return model.ErrDuplicateHash
	}
	p, _ := newTestPipeline(repo, store)

	result, err := p.Ingest(context.Background(), Input{Data: pngBytes(5)})
	if err != nil {
		t.Fatalf("Ingest がエラーを返した: %v", err)
	}
	if !result.Duplicate || result.File != winner {
		t.Errorf("先に登録されたファイルの Duplicate になるべき: %+v", result)
	}
	if store.count() != 0 {
		t.Error("競合に負けた書き込みが残っている")
	}
}

func TestIngest_ConcurrentSameBytesConvergeToOneFile(t *testing.T) {
	store := newFakeStore()
	files := memory.New().Files()
	p, _ := newTestPipeline(files, store)

	var wg sync.WaitGroup
	results := make(chan *Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := p.Ingest(context.Background(), Input{Data: pngBytes(6)})
			if err != nil {
				t.Errorf("Ingest がエラーを返した: %v", err)
				return
			}
			results <- r
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	var id int64
	for r := range results {
		if !r.Duplicate {
			created++
		}
		if id != 0 && r.File.ID != id {
			t.Errorf("異なるファイルIDに収束した: %d と %d", id, r.File.ID)
		}
		id = r.File.ID
	}
	if created != 1 {
		t.Errorf("新規作成数 = %d, want 1", created)
	}
	if store.count() != 1 {
		t.Errorf("ストレージのオブジェクト数 = %d, want 1", store.count())
	}
}

func TestUpdate_ReconcilesAgainstCurrentSet(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(memory.New().Files(), store)
	ctx := context.Background()

	created, err := p.Ingest(ctx, Input{
		Data:    pngBytes(7),
		Tags:    []string{"cat", "artist:foo"},
		Sources: []string{"https://danbooru.donmai.us/posts/1"},
	})
	if err != nil {
		t.Fatalf("Ingest がエラーを返した: %v", err)
	}

	safe := model.RatingSafe
	updated, err := p.Update(ctx, created.File.ID, UpdateInput{
		Tags:   []string{"cat", "dog"},
		Rating: &safe,
	})
	if err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	got := make(map[string]bool)
	for _, tag := range updated.Tags {
		got[tag.Key().String()] = true
	}
	if len(got) != 2 || !got["cat"] || !got["dog"] {
		t.Errorf("タグが不正: %v", got)
	}
	if updated.Rating != model.RatingSafe {
		t.Errorf("Rating = %q, want safe", updated.Rating)
	}
	if len(updated.Sources) != 1 {
		t.Errorf("Sourcesがnilの場合は変更しないべき: %+v", updated.Sources)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	p, _ := newTestPipeline(memory.New().Files(), newFakeStore())
	_, err := p.Update(context.Background(), 99, UpdateInput{Tags: []string{"a"}})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ErrNotFound を返すべき: %v", err)
	}
}

func TestUpdate_CommitFailureLeavesFileUnchanged(t *testing.T) {
	inner := memory.New().Files()
	repo := &mockFileRepo{FileRepository: inner}
	p, _ := newTestPipeline(repo, newFakeStore())
	ctx := context.Background()

	created, err := p.Ingest(ctx, Input{Data: pngBytes(8), Tags: []string{"cat"}})
	if err != nil {
		t.Fatalf("Ingest がエラーを返した: %v", err)
	}

	repo.updateFn = func(context.Context, int64, model.FileChanges) (*model.File, error) {
		return nil, errors.New("deadlock detected")
	}
	_, err = p.Update(ctx, created.File.ID, UpdateInput{Tags: []string{"dog"}})
	if !errors.Is(err, model.ErrRepositoryCommit) {
		t.Fatalf("ErrRepositoryCommit を返すべき: %v", err)
	}

	f, _ := inner.FindByID(ctx, created.File.ID)
	if len(f.Tags) != 1 || f.Tags[0].Value != "cat" {
		t.Errorf("失敗した更新でタグが変わった: %+v", f.Tags)
	}
}

func TestIngestWithRetry_RetriesInfrastructureErrors(t *testing.T) {
	store := newFakeStore()
	attempts := 0
	repo := &mockFileRepo{FileRepository: memory.New().Files()}
	repo.createFn = func(ctx context.Context, f *model.File, c model.FileChanges) error {
		attempts++
		if attempts < 3 {
			return model.ErrRepositoryCommit
		}
		return repo.FileRepository.Create(ctx, f, c)
	}
	p, _ := newTestPipeline(repo, store)

	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	result, err := p.IngestWithRetry(context.Background(), Input{Data: pngBytes(9)}, policy)
	if err != nil {
		t.Fatalf("IngestWithRetry がエラーを返した: %v", err)
	}
	if result.Duplicate || attempts != 3 {
		t.Errorf("3回目で作成されるべき: attempts=%d result=%+v", attempts, result)
	}
	if store.count() != 1 {
		t.Errorf("失敗した試行のオブジェクトが残っている: %d", store.count())
	}
}

func TestIngestWithRetry_DoesNotRetryRejection(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(memory.New().Files(), store)

	policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}
	_, err := p.IngestWithRetry(context.Background(), Input{Data: []byte("plain")}, policy)
	if !errors.Is(err, model.ErrUnsupportedMediaType) {
		t.Errorf("ErrUnsupportedMediaType を即座に返すべき: %v", err)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := policy.Backoff(tt.errors); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

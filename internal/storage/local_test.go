package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/hitoshi/tagvault/internal/model"
)

func TestGenerateName_Format(t *testing.T) {
	name := GenerateName("png")
	if !regexp.MustCompile(`^[0-9a-z]{26}\.png$`).MatchString(name) {
		t.Errorf("ファイル名の形式が不正: %q", name)
	}
}

func TestGenerateName_TrimsDotAndHandlesEmpty(t *testing.T) {
	if name := GenerateName(".jpg"); filepath.Ext(name) != ".jpg" {
		t.Errorf("拡張子が不正: %q", name)
	}
	if name := GenerateName(""); len(name) != 26 {
		t.Errorf("拡張子なしの場合はULIDのみであるべき: %q", name)
	}
}

func TestGenerateName_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		name := GenerateName("png")
		if _, ok := seen[name]; ok {
			t.Fatalf("ファイル名が重複した: %s", name)
		}
		seen[name] = struct{}{}
	}
}

func TestLocalStore_WriteExistsDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("NewLocalStore がエラーを返した: %v", err)
	}
	ctx := context.Background()
	name := GenerateName("png")

	if err := store.Write(ctx, name, []byte("data")); err != nil {
		t.Fatalf("Write がエラーを返した: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(store.DataDir(), name))
	if err != nil {
		t.Fatalf("書き込んだファイルの読み込みに失敗: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("内容 = %q, want %q", got, "data")
	}

	if _, err := os.Stat(filepath.Join(store.DataDir(), name+".tmp")); !os.IsNotExist(err) {
		t.Error("一時ファイルが残っていてはならない")
	}

	exists, err := store.Exists(ctx, name)
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true, nil", exists, err)
	}

	if err := store.Delete(ctx, name); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}
	exists, _ = store.Exists(ctx, name)
	if exists {
		t.Error("削除後に存在してはならない")
	}

	// 二重削除はエラーにしない
	if err := store.Delete(ctx, name); err != nil {
		t.Errorf("存在しないファイルの削除でエラー: %v", err)
	}
}

func TestLocalStore_RejectsPathTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore がエラーを返した: %v", err)
	}
	for _, name := range []string{"", "../evil", "a/b", `a\b`, ".."} {
		err := store.Write(context.Background(), name, []byte("x"))
		if !errors.Is(err, model.ErrStorageWrite) {
			t.Errorf("Write(%q) は ErrStorageWrite を返すべき: %v", name, err)
		}
	}
}

func TestLocalStore_WriteFailsWhenDirRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore がエラーを返した: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	err = store.Write(context.Background(), GenerateName("png"), []byte("x"))
	if !errors.Is(err, model.ErrStorageWrite) {
		t.Errorf("ErrStorageWrite を返すべき: %v", err)
	}
}

func TestLocalStore_WriteRespectsCancelledContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore がエラーを返した: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	name := GenerateName("png")
	if err := store.Write(ctx, name, []byte("x")); err == nil {
		t.Error("キャンセル済みコンテキストではエラーを返すべき")
	}
	if exists, _ := store.Exists(context.Background(), name); exists {
		t.Error("キャンセル時にファイルが作成されてはならない")
	}
}

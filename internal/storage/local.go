package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitoshi/tagvault/internal/model"
)

// LocalStore はローカルディスクにファイルを保存するStorage実装。
// 書き込みは temp ファイル → fsync → atomic rename で行い、
// 途中で失敗しても中途半端なファイルを残さない。
type LocalStore struct {
	dataDir string
}

// NewLocalStore はLocalStoreを生成する。ディレクトリが存在しない場合は作成する。
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("データディレクトリの作成に失敗しました %s: %w", dataDir, err)
	}
	return &LocalStore{dataDir: dataDir}, nil
}

// Write はデータをファイルに書き込む。
func (s *LocalStore) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.path(name)
	if err != nil {
		return err
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: 一時ファイルの作成に失敗しました: %v", model.ErrStorageWrite, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: 書き込みに失敗しました: %v", model.ErrStorageWrite, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: fsyncに失敗しました: %v", model.ErrStorageWrite, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: ファイルのクローズに失敗しました: %v", model.ErrStorageWrite, err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: リネームに失敗しました: %v", model.ErrStorageWrite, err)
	}

	return nil
}

// Delete はファイルを削除する。存在しない場合はnilを返す。
func (s *LocalStore) Delete(_ context.Context, name string) error {
	fullPath, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ファイルの削除に失敗しました %s: %w", name, err)
	}
	return nil
}

// Exists はファイルが存在するかを返す。
func (s *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	fullPath, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("ファイル情報の取得に失敗しました %s: %w", name, err)
}

// DataDir はデータディレクトリのパスを返す。
func (s *LocalStore) DataDir() string {
	return s.dataDir
}

// path はファイル名をデータディレクトリ配下の絶対パスに変換する。
// ディレクトリ区切りを含む名前は拒否する。
func (s *LocalStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: 不正なファイル名です: %q", model.ErrStorageWrite, name)
	}
	return filepath.Join(s.dataDir, name), nil
}

var _ Storage = (*LocalStore)(nil)

// Package storage は取り込んだファイル本体の永続化を提供する。
// ファイル名は内容ハッシュとは独立に生成し、重複判定はハッシュのみで行う。
package storage

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Storage はファイル本体の書き込み先を抽象化するインターフェース。
type Storage interface {
	// Write は生成済みのファイル名でデータを書き込む。
	// I/O失敗時はmodel.ErrStorageWriteをラップしたエラーを返す。
	Write(ctx context.Context, name string, data []byte) error
	// Delete はファイルを削除する。存在しない場合はnilを返す。
	Delete(ctx context.Context, name string) error
	// Exists はファイルが存在するかを返す。
	Exists(ctx context.Context, name string) (bool, error)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateName は衝突しにくいファイル名を生成する。
// 形式: {ULID}.{ext}（ULIDは小文字）。拡張子が空の場合はULIDのみ。
func GenerateName(ext string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()

	name := strings.ToLower(id.String())
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

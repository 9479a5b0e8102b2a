// Package media はファイル内容のハッシュ計算とMIMEタイプ判定を提供する。
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hitoshi/tagvault/internal/model"
)

// allowedExtensions は取り込みを許可するMIMEタイプと拡張子の対応表。
// ここに無いMIMEタイプは推測せずに拒否する。
var allowedExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/avif": "avif",
	"image/bmp":  "bmp",
	"video/mp4":  "mp4",
	"video/webm": "webm",
}

// Classify はバイト列全体のSHA-256ハッシュ（16進）と、内容から判定したMIMEタイプを返す。
// 同一内容には常に同一ハッシュを返す。
func Classify(data []byte) (hash string, mimeType string) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), DetectMimeType(data)
}

// DetectMimeType は内容からMIMEタイプを判定する。パラメータ（charset等）は除去する。
func DetectMimeType(data []byte) string {
	detected := mimetype.Detect(data)
	return normalizeMimeType(detected.String())
}

// ExtensionFor はMIMEタイプに対応する拡張子（ドットなし）を返す。
// 許可リスト外の場合はErrUnsupportedMediaTypeを返す。
func ExtensionFor(mimeType string) (string, error) {
	ext, ok := allowedExtensions[normalizeMimeType(mimeType)]
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnsupportedMediaType, mimeType)
	}
	return ext, nil
}

// IsSupported はMIMEタイプが許可リストに含まれるかを返す。
func IsSupported(mimeType string) bool {
	_, ok := allowedExtensions[normalizeMimeType(mimeType)]
	return ok
}

func normalizeMimeType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TagSanitizer は外部サイトから受け取ったタグ文字列を正規化する。
// HTMLは全て除去し、空白はアンダースコアに置き換える（booruの慣習）。
type TagSanitizer struct {
	policy *bluemonday.Policy
}

// NewTagSanitizer はStrictPolicyを使うTagSanitizerを生成する。
func NewTagSanitizer() *TagSanitizer {
	return &TagSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを1件正規化する。結果が空の場合は空文字列を返す。
func (s *TagSanitizer) Clean(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return ""
	}
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), "_")
}

// CleanAll は複数タグを正規化し、空要素と重複を除いて元の順序で返す。
func (s *TagSanitizer) CleanAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		tag := s.Clean(r)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

package tagging

import "github.com/hitoshi/tagvault/internal/model"

// Blocklist は購読のタグ除外リスト。比較はParseTagで正規化した形で行う。
type Blocklist map[model.TagKey]struct{}

// NewBlocklist はタグ文字列から除外リストを生成する。
func NewBlocklist(tags []string) Blocklist {
	b := make(Blocklist, len(tags))
	for _, s := range tags {
		if key, ok := ParseTag(s); ok {
			b[key] = struct{}{}
		}
	}
	return b
}

// Match はtagsのうち最初に除外対象に該当したタグを返す。
func (b Blocklist) Match(tags []string) (string, bool) {
	if len(b) == 0 {
		return "", false
	}
	for _, s := range tags {
		key, ok := ParseTag(s)
		if !ok {
			continue
		}
		if _, blocked := b[key]; blocked {
			return key.String(), true
		}
	}
	return "", false
}

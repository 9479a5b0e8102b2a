// Package tagging はファイルのタグ・ソース集合の差分計算を提供する。
// 永続化には関与せず、接続・切断すべき集合だけを返す純粋関数で構成する。
package tagging

import (
	"net/url"
	"sort"
	"strings"

	"github.com/hitoshi/tagvault/internal/model"
)

// namespaceSeparator はタグ文字列の名前空間区切り。
const namespaceSeparator = ":"

// TagDiff はタグ集合の差分。ConnectとDisconnectは常に互いに素。
type TagDiff struct {
	Connect    []model.TagKey
	Disconnect []model.TagKey
}

// Empty は差分が無いかを返す。
func (d TagDiff) Empty() bool {
	return len(d.Connect) == 0 && len(d.Disconnect) == 0
}

// SourceDiff はソース集合の差分。Disconnectは正規化済みURL。
type SourceDiff struct {
	Connect    []model.Source
	Disconnect []string
}

// Empty は差分が無いかを返す。
func (d SourceDiff) Empty() bool {
	return len(d.Connect) == 0 && len(d.Disconnect) == 0
}

// ParseTag はタグ文字列を(namespace, value)に分解する。
// 最初の区切りで分割し、区切りが無いか名前空間が空の場合はtag名前空間とする。
// 値は前後の空白を除去して小文字化する。値が空の場合はokがfalseになる。
func ParseTag(s string) (key model.TagKey, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	ns, value, found := strings.Cut(s, namespaceSeparator)
	if !found {
		ns, value = model.DefaultTagNamespace, s
	}
	ns = strings.TrimSpace(ns)
	value = strings.TrimSpace(value)
	if ns == "" {
		ns = model.DefaultTagNamespace
	}
	if value == "" {
		return model.TagKey{}, false
	}
	return model.TagKey{Namespace: ns, Value: value}, true
}

// ParseTags は複数のタグ文字列を重複を除いて分解する。空のタグは無視する。
func ParseTags(tags []string) []model.TagKey {
	set := make(map[model.TagKey]struct{}, len(tags))
	for _, s := range tags {
		if key, ok := ParseTag(s); ok {
			set[key] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Reconcile は現在のタグ集合を希望する集合へ移すための差分を計算する。
// 入力の順序や重複に依存せず、同じ入力には常に同じ結果を返す。
func Reconcile(desired []string, current []model.TagKey) TagDiff {
	want := make(map[model.TagKey]struct{}, len(desired))
	for _, s := range desired {
		if key, ok := ParseTag(s); ok {
			want[key] = struct{}{}
		}
	}
	have := make(map[model.TagKey]struct{}, len(current))
	for _, k := range current {
		have[normalizeKey(k)] = struct{}{}
	}

	connect := make(map[model.TagKey]struct{})
	for k := range want {
		if _, ok := have[k]; !ok {
			connect[k] = struct{}{}
		}
	}
	disconnect := make(map[model.TagKey]struct{})
	for k := range have {
		if _, ok := want[k]; !ok {
			disconnect[k] = struct{}{}
		}
	}

	return TagDiff{Connect: sortedKeys(connect), Disconnect: sortedKeys(disconnect)}
}

// NormalizeSourceURL はソースURLを保存・比較用に正規化する。
// 前後の空白を除き、スキームとホストだけを小文字にする。パスとクエリは大文字小文字を区別する。
// 絶対URLとして解釈できない場合は空白を除いた文字列をそのまま返す。
func NormalizeSourceURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// ReconcileSources はソースURL集合の差分を計算する。
// 接続するソースのSiteはidentifyで判別し、状態はdownloadedとする。
func ReconcileSources(desired []string, current []model.Source, identify func(string) model.Site) SourceDiff {
	want := make(map[string]struct{}, len(desired))
	for _, u := range desired {
		if n := NormalizeSourceURL(u); n != "" {
			want[n] = struct{}{}
		}
	}
	have := make(map[string]struct{}, len(current))
	for _, s := range current {
		have[NormalizeSourceURL(s.URL)] = struct{}{}
	}

	var diff SourceDiff
	for _, u := range sortedStrings(want) {
		if _, ok := have[u]; ok {
			continue
		}
		site := model.SiteUnknown
		if identify != nil {
			site = identify(u)
		}
		diff.Connect = append(diff.Connect, model.Source{
			URL:    u,
			Site:   site,
			Status: model.SourceStatusDownloaded,
		})
	}
	for _, u := range sortedStrings(have) {
		if _, ok := want[u]; !ok {
			diff.Disconnect = append(diff.Disconnect, u)
		}
	}
	return diff
}

func normalizeKey(k model.TagKey) model.TagKey {
	ns := strings.ToLower(strings.TrimSpace(k.Namespace))
	if ns == "" {
		ns = model.DefaultTagNamespace
	}
	return model.TagKey{Namespace: ns, Value: strings.ToLower(strings.TrimSpace(k.Value))}
}

func sortedKeys(set map[model.TagKey]struct{}) []model.TagKey {
	keys := make([]model.TagKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Value < keys[j].Value
	})
	return keys
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

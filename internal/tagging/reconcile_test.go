package tagging

import (
	"reflect"
	"testing"

	"github.com/hitoshi/tagvault/internal/model"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in     string
		want   model.TagKey
		wantOK bool
	}{
		{"1girl", model.TagKey{Namespace: "tag", Value: "1girl"}, true},
		{"artist:foo", model.TagKey{Namespace: "artist", Value: "foo"}, true},
		{"  Artist:Foo ", model.TagKey{Namespace: "artist", Value: "foo"}, true},
		{":bare", model.TagKey{Namespace: "tag", Value: "bare"}, true},
		{"meta:a:b", model.TagKey{Namespace: "meta", Value: "a:b"}, true},
		{"artist:", model.TagKey{}, false},
		{"", model.TagKey{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseTag(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseTag(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestReconcile_NewFileConnectsEverything(t *testing.T) {
	diff := Reconcile([]string{"1girl", "artist:foo"}, nil)
	want := []model.TagKey{
		{Namespace: "artist", Value: "foo"},
		{Namespace: "tag", Value: "1girl"},
	}
	if !reflect.DeepEqual(diff.Connect, want) {
		t.Errorf("Connect = %v, want %v", diff.Connect, want)
	}
	if len(diff.Disconnect) != 0 {
		t.Errorf("Disconnect は空であるべき: %v", diff.Disconnect)
	}
}

func TestReconcile_Difference(t *testing.T) {
	current := []model.TagKey{
		{Namespace: "tag", Value: "cat"},
		{Namespace: "tag", Value: "dog"},
	}
	diff := Reconcile([]string{"cat", "bird"}, current)

	if !reflect.DeepEqual(diff.Connect, []model.TagKey{{Namespace: "tag", Value: "bird"}}) {
		t.Errorf("Connect = %v", diff.Connect)
	}
	if !reflect.DeepEqual(diff.Disconnect, []model.TagKey{{Namespace: "tag", Value: "dog"}}) {
		t.Errorf("Disconnect = %v", diff.Disconnect)
	}
}

func TestReconcile_AgainstOwnTagsIsEmpty(t *testing.T) {
	current := []model.TagKey{
		{Namespace: "tag", Value: "1girl"},
		{Namespace: "artist", Value: "foo"},
	}
	desired := make([]string, 0, len(current))
	for _, k := range current {
		desired = append(desired, k.String())
	}
	if diff := Reconcile(desired, current); !diff.Empty() {
		t.Errorf("自身のタグとの差分は空であるべき: %+v", diff)
	}
}

func TestReconcile_PureAndDisjoint(t *testing.T) {
	cases := []struct {
		desired []string
		current []model.TagKey
	}{
		{[]string{"a", "b", "ns:c", "a"}, []model.TagKey{{Namespace: "tag", Value: "b"}, {Namespace: "ns", Value: "d"}}},
		{nil, []model.TagKey{{Namespace: "tag", Value: "x"}}},
		{[]string{"x", "X", " x "}, nil},
		{[]string{"q"}, []model.TagKey{{Namespace: "tag", Value: "q"}}},
	}
	for _, c := range cases {
		first := Reconcile(c.desired, c.current)
		second := Reconcile(c.desired, c.current)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("同じ入力で結果が異なる: %+v / %+v", first, second)
		}
		conn := make(map[model.TagKey]bool)
		for _, k := range first.Connect {
			conn[k] = true
		}
		for _, k := range first.Disconnect {
			if conn[k] {
				t.Errorf("Connect と Disconnect が交差している: %v", k)
			}
		}
	}
}

func TestReconcile_OrderIndependent(t *testing.T) {
	a := Reconcile([]string{"a", "b", "c"}, nil)
	b := Reconcile([]string{"c", "a", "b"}, nil)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("入力順序に依存してはならない: %v / %v", a, b)
	}
}

func TestReconcileSources(t *testing.T) {
	identify := func(u string) model.Site {
		if u == "https://danbooru.donmai.us/posts/1" {
			return model.SiteDanbooru
		}
		return model.SiteUnknown
	}
	current := []model.Source{{URL: "https://old.example.com/1"}}
	diff := ReconcileSources([]string{" HTTPS://danbooru.donmai.us/posts/1 ", ""}, current, identify)

	if len(diff.Connect) != 1 {
		t.Fatalf("Connect の件数 = %d, want 1", len(diff.Connect))
	}
	got := diff.Connect[0]
	if got.URL != "https://danbooru.donmai.us/posts/1" || got.Site != model.SiteDanbooru {
		t.Errorf("Connect[0] = %+v", got)
	}
	if got.Status != model.SourceStatusDownloaded {
		t.Errorf("Status = %q, want downloaded", got.Status)
	}
	if !reflect.DeepEqual(diff.Disconnect, []string{"https://old.example.com/1"}) {
		t.Errorf("Disconnect = %v", diff.Disconnect)
	}
}

func TestReconcileSources_SameSetIsEmpty(t *testing.T) {
	current := []model.Source{{URL: "https://a.example.com/1"}, {URL: "https://b.example.com/2"}}
	diff := ReconcileSources([]string{"https://b.example.com/2", "https://a.example.com/1"}, current, nil)
	if !diff.Empty() {
		t.Errorf("同一集合の差分は空であるべき: %+v", diff)
	}
}

func TestNormalizeSourceURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"scheme and host lowered", " HTTPS://Twitter.COM/SomeArtist/status/123?ref=ABC ", "https://twitter.com/SomeArtist/status/123?ref=ABC"},
		{"path case kept", "https://www.pixiv.net/en/artworks/123?Lang=JA", "https://www.pixiv.net/en/artworks/123?Lang=JA"},
		{"not absolute", "  SomeArtist/Work  ", "SomeArtist/Work"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSourceURL(tt.in); got != tt.want {
				t.Errorf("NormalizeSourceURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReconcileSources_MixedCasePathsAreDistinct(t *testing.T) {
	current := []model.Source{{URL: "https://twitter.com/SomeArtist/status/123"}}
	desired := []string{"HTTPS://TWITTER.COM/SomeArtist/status/123", "https://twitter.com/someartist/status/123"}
	diff := ReconcileSources(desired, current, nil)

	if len(diff.Connect) != 1 || diff.Connect[0].URL != "https://twitter.com/someartist/status/123" {
		t.Errorf("パスの大文字小文字が異なるURLは別のソースとして扱うべき: %+v", diff.Connect)
	}
	if len(diff.Disconnect) != 0 {
		t.Errorf("ホストの大文字小文字だけが異なるURLは同じソースとして扱うべき: %v", diff.Disconnect)
	}
}

func TestBlocklist_Match(t *testing.T) {
	b := NewBlocklist([]string{"gore", "artist:bad"})

	if tag, ok := b.Match([]string{"cat", "Gore"}); !ok || tag != "gore" {
		t.Errorf("Match = %q, %v; want gore, true", tag, ok)
	}
	if tag, ok := b.Match([]string{"artist:bad"}); !ok || tag != "artist:bad" {
		t.Errorf("Match = %q, %v; want artist:bad, true", tag, ok)
	}
	if _, ok := b.Match([]string{"bad", "cat"}); ok {
		t.Error("名前空間が異なるタグは一致してはならない")
	}
	if _, ok := NewBlocklist(nil).Match([]string{"gore"}); ok {
		t.Error("空の除外リストは何にも一致しない")
	}
}

// Package site は外部booruサイトからの投稿一覧・投稿・ファイル本体の取得を提供する。
// サイトごとにAdapterを実装し、Registryでサイト種別から選択する。
package site

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/tagvault/internal/metrics"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/security"
)

// MaxPageSize は1ページで要求する投稿数の上限。
const MaxPageSize = 100

// Query は投稿一覧の検索条件。
type Query struct {
	Tags  []string
	Limit int
}

// Asset はサイト上の1投稿。
// PostURLはRunのログと重複判定に使うURLで、Sourcesにも含まれる。
type Asset struct {
	PostURL string
	FileURL string
	Tags    []string
	Rating  model.Rating
	Sources []string
}

// Page は投稿一覧の1ページ。Nextが空の場合は最終ページ。
type Page struct {
	Assets []*Asset
	Next   string
}

// Adapter はサイトごとの取得処理のインターフェース。
// エラーはmodel.ErrRateLimited、model.ErrSiteUnavailable、model.ErrInvalidQueryのいずれかをラップする。
type Adapter interface {
	Site() model.Site
	FetchPage(ctx context.Context, q Query, cursor string) (*Page, error)
	FetchPost(ctx context.Context, postURL string) (*Asset, error)
	Download(ctx context.Context, asset *Asset) ([]byte, error)
}

// registrableDomains は登録可能ドメインとサイトの対応。
var registrableDomains = map[string]model.Site{
	"donmai.us":    model.SiteDanbooru,
	"gelbooru.com": model.SiteGelbooru,
	"e621.net":     model.SiteE621,
	"e926.net":     model.SiteE621,
	"yande.re":     model.SiteYandere,
	"pixiv.net":    model.SitePixiv,
	"pximg.net":    model.SitePixiv,
}

// Identify はURLのホストからサイトを判別する。判別できない場合はSiteUnknownを返す。
func Identify(rawURL string) model.Site {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return model.SiteUnknown
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil {
		return model.SiteUnknown
	}
	if s, ok := registrableDomains[domain]; ok {
		return s
	}
	return model.SiteUnknown
}

// Registry はサイト種別からAdapterを引く。
type Registry struct {
	adapters map[model.Site]Adapter
}

// NewRegistry は指定されたAdapterを持つRegistryを生成する。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Site]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Site()] = a
	}
	return r
}

// For はサイトのAdapterを返す。ダウンローダーを持たないサイトはErrUnsupportedSiteを返す。
func (r *Registry) For(s model.Site) (Adapter, error) {
	a, ok := r.adapters[s]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedSite, s)
	}
	return a, nil
}

// Supports はサイトのAdapterが登録されているかを返す。
func (r *Registry) Supports(s model.Site) bool {
	_, ok := r.adapters[s]
	return ok
}

// Options はAdapter生成時の設定。
type Options struct {
	// BaseURLs はサイトごとのAPIのベースURL。未指定のサイトは既定値を使う。
	BaseURLs map[model.Site]string
	// Client が指定された場合はGuardのクライアントの代わりに使う。
	Client *http.Client
	// Guard が指定された場合はリクエスト前にURLを検証する。
	Guard             security.URLGuard
	Sanitizer         *security.TagSanitizer
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxBodySize       int64
	UserAgent         string
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
}

// defaultBaseURLs は各サイトの既定のベースURL。
var defaultBaseURLs = map[model.Site]string{
	model.SiteDanbooru: "https://danbooru.donmai.us",
	model.SiteGelbooru: "https://gelbooru.com",
	model.SiteE621:     "https://e621.net",
	model.SiteYandere:  "https://yande.re",
}

func (o Options) withDefaults() Options {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = 100 << 20
	}
	if o.UserAgent == "" {
		o.UserAgent = "tagvault/1.0"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	if o.Sanitizer == nil {
		o.Sanitizer = security.NewTagSanitizer()
	}
	if o.Client == nil {
		if o.Guard != nil {
			o.Client = o.Guard.Client(o.Timeout)
		} else {
			o.Client = &http.Client{Timeout: o.Timeout}
		}
	}
	return o
}

func (o Options) baseURL(s model.Site) string {
	if u, ok := o.BaseURLs[s]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return defaultBaseURLs[s]
}

// NewDefaultRegistry は対応する全サイトのAdapterを持つRegistryを生成する。
// pixivとunknownは登録されず、ErrUnsupportedSiteになる。
func NewDefaultRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return NewRegistry(
		NewDanbooru(opts),
		NewGelbooru(opts),
		NewE621(opts),
		NewYandere(opts),
	)
}

// pageSize は要求件数をサイトに渡す件数へ丸める。
func pageSize(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// namespaced は名前空間付きのタグ文字列を返す。
func namespaced(ns string, tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if ns == "" || ns == model.DefaultTagNamespace {
			out = append(out, t)
			continue
		}
		out = append(out, ns+":"+t)
	}
	return out
}

// parseRating は各サイトのレーティング表記をRatingに変換する。
func parseRating(s string) model.Rating {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "g", "general", "s", "safe", "sensitive":
		return model.RatingSafe
	case "q", "questionable":
		return model.RatingQuestionable
	case "e", "explicit":
		return model.RatingExplicit
	default:
		return model.RatingUnset
	}
}

// sourceURLs は投稿URLと、URLとして解釈できる元ソースを返す。
func sourceURLs(postURL string, extra ...string) []string {
	out := []string{postURL}
	for _, s := range extra {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			out = append(out, s)
		}
	}
	return out
}

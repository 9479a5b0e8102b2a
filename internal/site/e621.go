package site

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/security"
)

// E621 はe621のJSON APIのAdapter。
type E621 struct {
	base      string
	http      *httpClient
	sanitizer *security.TagSanitizer
}

// NewE621 はE621を生成する。
func NewE621(opts Options) *E621 {
	opts = opts.withDefaults()
	return &E621{
		base:      opts.baseURL(model.SiteE621),
		http:      newHTTPClient(model.SiteE621, opts),
		sanitizer: opts.Sanitizer,
	}
}

type e621Post struct {
	ID   int64 `json:"id"`
	File struct {
		URL string `json:"url"`
	} `json:"file"`
	// Tags は名前空間（general, artist, species など）ごとのタグ一覧。
	Tags    map[string][]string `json:"tags"`
	Rating  string              `json:"rating"`
	Sources []string            `json:"sources"`
}

// Site はサイト種別を返す。
func (e *E621) Site() model.Site { return model.SiteE621 }

// FetchPage は投稿一覧を新しい順に取得する。カーソルは "b<最小ID>" 形式。
func (e *E621) FetchPage(ctx context.Context, q Query, cursor string) (*Page, error) {
	limit := pageSize(q.Limit)
	params := url.Values{}
	params.Set("tags", strings.Join(q.Tags, " "))
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("page", cursor)
	}

	body, err := e.http.get(ctx, e.base+"/posts.json?"+params.Encode(), "application/json")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Posts []e621Post `json:"posts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %v", model.ErrSiteUnavailable, err)
	}

	page := &Page{}
	var minID int64
	for i := range resp.Posts {
		p := &resp.Posts[i]
		if minID == 0 || p.ID < minID {
			minID = p.ID
		}
		if p.File.URL == "" {
			continue
		}
		page.Assets = append(page.Assets, e.asset(p))
	}
	if len(resp.Posts) >= limit && minID > 0 {
		page.Next = "b" + strconv.FormatInt(minID, 10)
	}
	return page, nil
}

// FetchPost は投稿URL（/posts/N）から1件の投稿を取得する。
func (e *E621) FetchPost(ctx context.Context, postURL string) (*Asset, error) {
	id, err := idFromPath(postURL, "/posts/")
	if err != nil {
		return nil, err
	}
	body, err := e.http.get(ctx, e.base+"/posts/"+id+".json", "application/json")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Post e621Post `json:"post"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %v", model.ErrSiteUnavailable, err)
	}
	if resp.Post.File.URL == "" {
		return nil, fmt.Errorf("%w: 投稿 %s にファイルURLがありません", model.ErrInvalidQuery, id)
	}
	return e.asset(&resp.Post), nil
}

// Download はファイル本体を取得する。
func (e *E621) Download(ctx context.Context, asset *Asset) ([]byte, error) {
	return e.http.download(ctx, asset)
}

func (e *E621) asset(p *e621Post) *Asset {
	namespaces := make([]string, 0, len(p.Tags))
	for ns := range p.Tags {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	var tags []string
	for _, ns := range namespaces {
		switch ns {
		case "general":
			tags = append(tags, namespaced("", p.Tags[ns])...)
		case "invalid":
		default:
			tags = append(tags, namespaced(ns, p.Tags[ns])...)
		}
	}

	postURL := e.base + "/posts/" + strconv.FormatInt(p.ID, 10)
	return &Asset{
		PostURL: postURL,
		FileURL: p.File.URL,
		Tags:    e.sanitizer.CleanAll(tags),
		Rating:  parseRating(p.Rating),
		Sources: sourceURLs(postURL, p.Sources...),
	}
}

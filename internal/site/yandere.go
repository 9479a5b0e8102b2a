package site

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/security"
)

// Yandere はyande.reのAtomフィードのAdapter。
// 各エントリのalternateリンクを投稿URL、enclosureリンクをファイルURL、タイトルをタグ列として扱う。
type Yandere struct {
	base      string
	http      *httpClient
	sanitizer *security.TagSanitizer
}

// NewYandere はYandereを生成する。
func NewYandere(opts Options) *Yandere {
	opts = opts.withDefaults()
	return &Yandere{
		base:      opts.baseURL(model.SiteYandere),
		http:      newHTTPClient(model.SiteYandere, opts),
		sanitizer: opts.Sanitizer,
	}
}

// Site はサイト種別を返す。
func (y *Yandere) Site() model.Site { return model.SiteYandere }

func (y *Yandere) feed(ctx context.Context, params url.Values) ([]*gofeed.Item, error) {
	body, err := y.http.get(ctx, y.base+"/post/atom?"+params.Encode(), "application/atom+xml")
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: フィードのパースに失敗しました: %v", model.ErrSiteUnavailable, err)
	}
	return feed.Items, nil
}

// FetchPage は投稿一覧を取得する。カーソルは1始まりのページ番号。
func (y *Yandere) FetchPage(ctx context.Context, q Query, cursor string) (*Page, error) {
	limit := pageSize(q.Limit)
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: 不正なカーソルです: %q", model.ErrInvalidQuery, cursor)
		}
		pageNum = n
	}

	params := url.Values{}
	params.Set("tags", strings.Join(q.Tags, " "))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("page", strconv.Itoa(pageNum))
	items, err := y.feed(ctx, params)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	for _, item := range items {
		if a := y.asset(item); a != nil {
			page.Assets = append(page.Assets, a)
		}
	}
	if len(items) >= limit {
		page.Next = strconv.Itoa(pageNum + 1)
	}
	return page, nil
}

// FetchPost は投稿URL（/post/show/N）から1件の投稿を取得する。
func (y *Yandere) FetchPost(ctx context.Context, postURL string) (*Asset, error) {
	id, err := idFromPath(postURL, "/post/show/")
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("tags", "id:"+id)
	items, err := y.feed(ctx, params)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if a := y.asset(item); a != nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: 投稿 %s が見つかりません", model.ErrInvalidQuery, id)
}

// Download はファイル本体を取得する。
func (y *Yandere) Download(ctx context.Context, asset *Asset) ([]byte, error) {
	return y.http.download(ctx, asset)
}

func (y *Yandere) asset(item *gofeed.Item) *Asset {
	if item.Link == "" || len(item.Enclosures) == 0 || item.Enclosures[0].URL == "" {
		return nil
	}
	raw := item.Categories
	if len(raw) == 0 {
		raw = strings.Fields(item.Title)
	}
	return &Asset{
		PostURL: item.Link,
		FileURL: item.Enclosures[0].URL,
		Tags:    y.sanitizer.CleanAll(raw),
		Rating:  model.RatingUnset,
		Sources: sourceURLs(item.Link),
	}
}

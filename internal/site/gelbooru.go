package site

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/security"
)

// Gelbooru はgelbooruのdapi（JSON）のAdapter。
type Gelbooru struct {
	base      string
	http      *httpClient
	sanitizer *security.TagSanitizer
}

// NewGelbooru はGelbooruを生成する。
func NewGelbooru(opts Options) *Gelbooru {
	opts = opts.withDefaults()
	return &Gelbooru{
		base:      opts.baseURL(model.SiteGelbooru),
		http:      newHTTPClient(model.SiteGelbooru, opts),
		sanitizer: opts.Sanitizer,
	}
}

type gelbooruResponse struct {
	Posts []gelbooruPost `json:"post"`
}

type gelbooruPost struct {
	ID      int64  `json:"id"`
	FileURL string `json:"file_url"`
	Tags    string `json:"tags"`
	Rating  string `json:"rating"`
	Source  string `json:"source"`
}

// Site はサイト種別を返す。
func (g *Gelbooru) Site() model.Site { return model.SiteGelbooru }

func (g *Gelbooru) dapi(params url.Values) string {
	params.Set("page", "dapi")
	params.Set("s", "post")
	params.Set("q", "index")
	params.Set("json", "1")
	return g.base + "/index.php?" + params.Encode()
}

func (g *Gelbooru) fetch(ctx context.Context, params url.Values) ([]gelbooruPost, error) {
	body, err := g.http.get(ctx, g.dapi(params), "application/json")
	if err != nil {
		return nil, err
	}
	// 該当なしの場合は空ボディまたは "post" キーの無いオブジェクトが返る
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var resp gelbooruResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %v", model.ErrSiteUnavailable, err)
	}
	return resp.Posts, nil
}

// FetchPage は投稿一覧を取得する。カーソルは0始まりのページ番号（pid）。
func (g *Gelbooru) FetchPage(ctx context.Context, q Query, cursor string) (*Page, error) {
	limit := pageSize(q.Limit)
	pid := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: 不正なカーソルです: %q", model.ErrInvalidQuery, cursor)
		}
		pid = n
	}

	params := url.Values{}
	params.Set("tags", strings.Join(q.Tags, " "))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("pid", strconv.Itoa(pid))
	posts, err := g.fetch(ctx, params)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	for i := range posts {
		if posts[i].FileURL == "" {
			continue
		}
		page.Assets = append(page.Assets, g.asset(&posts[i]))
	}
	if len(posts) >= limit {
		page.Next = strconv.Itoa(pid + 1)
	}
	return page, nil
}

// FetchPost は投稿URL（index.php?page=post&s=view&id=N）から1件の投稿を取得する。
func (g *Gelbooru) FetchPost(ctx context.Context, postURL string) (*Asset, error) {
	u, err := url.Parse(postURL)
	if err != nil {
		return nil, model.NewValidationError("url", "URLの解析に失敗しました")
	}
	id := u.Query().Get("id")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, model.NewValidationError("url", "投稿IDを取得できません")
	}

	params := url.Values{}
	params.Set("id", id)
	posts, err := g.fetch(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 || posts[0].FileURL == "" {
		return nil, fmt.Errorf("%w: 投稿 %s が見つかりません", model.ErrInvalidQuery, id)
	}
	return g.asset(&posts[0]), nil
}

// Download はファイル本体を取得する。
func (g *Gelbooru) Download(ctx context.Context, asset *Asset) ([]byte, error) {
	return g.http.download(ctx, asset)
}

func (g *Gelbooru) asset(p *gelbooruPost) *Asset {
	postURL := g.base + "/index.php?page=post&s=view&id=" + strconv.FormatInt(p.ID, 10)
	return &Asset{
		PostURL: postURL,
		FileURL: p.FileURL,
		Tags:    g.sanitizer.CleanAll(strings.Fields(p.Tags)),
		Rating:  parseRating(p.Rating),
		Sources: sourceURLs(postURL, p.Source),
	}
}

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

// Danbooru はdanbooruのJSON APIのAdapter。
type Danbooru struct {
	base      string
	http      *httpClient
	sanitizer *security.TagSanitizer
}

// NewDanbooru はDanbooruを生成する。
func NewDanbooru(opts Options) *Danbooru {
	opts = opts.withDefaults()
	return &Danbooru{
		base:      opts.baseURL(model.SiteDanbooru),
		http:      newHTTPClient(model.SiteDanbooru, opts),
		sanitizer: opts.Sanitizer,
	}
}

type danbooruPost struct {
	ID          int64  `json:"id"`
	FileURL     string `json:"file_url"`
	Rating      string `json:"rating"`
	Source      string `json:"source"`
	TagsGeneral string `json:"tag_string_general"`
	TagsArtist  string `json:"tag_string_artist"`
	TagsChar    string `json:"tag_string_character"`
	TagsCopy    string `json:"tag_string_copyright"`
	TagsMeta    string `json:"tag_string_meta"`
}

// Site はサイト種別を返す。
func (d *Danbooru) Site() model.Site { return model.SiteDanbooru }

// FetchPage は投稿一覧を新しい順に取得する。
// カーソルは "b<最小ID>" 形式で、前ページの最小IDより古い投稿を取得する。
func (d *Danbooru) FetchPage(ctx context.Context, q Query, cursor string) (*Page, error) {
	limit := pageSize(q.Limit)
	params := url.Values{}
	params.Set("tags", strings.Join(q.Tags, " "))
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("page", cursor)
	}

	body, err := d.http.get(ctx, d.base+"/posts.json?"+params.Encode(), "application/json")
	if err != nil {
		return nil, err
	}

	var posts []danbooruPost
	if err := json.Unmarshal(body, &posts); err != nil {
		return nil, fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %v", model.ErrSiteUnavailable, err)
	}

	page := &Page{}
	var minID int64
	for i := range posts {
		p := &posts[i]
		if minID == 0 || p.ID < minID {
			minID = p.ID
		}
		if p.FileURL == "" {
			// 削除済み・閲覧制限付きの投稿はファイルURLを持たない
			continue
		}
		page.Assets = append(page.Assets, d.asset(p))
	}
	if len(posts) >= limit && minID > 0 {
		page.Next = "b" + strconv.FormatInt(minID, 10)
	}
	return page, nil
}

// FetchPost は投稿URLから1件の投稿を取得する。
func (d *Danbooru) FetchPost(ctx context.Context, postURL string) (*Asset, error) {
	id, err := idFromPath(postURL, "/posts/")
	if err != nil {
		return nil, err
	}
	body, err := d.http.get(ctx, d.base+"/posts/"+id+".json", "application/json")
	if err != nil {
		return nil, err
	}
	var p danbooruPost
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %v", model.ErrSiteUnavailable, err)
	}
	if p.FileURL == "" {
		return nil, fmt.Errorf("%w: 投稿 %s にファイルURLがありません", model.ErrInvalidQuery, id)
	}
	return d.asset(&p), nil
}

// Download はファイル本体を取得する。
func (d *Danbooru) Download(ctx context.Context, asset *Asset) ([]byte, error) {
	return d.http.download(ctx, asset)
}

func (d *Danbooru) asset(p *danbooruPost) *Asset {
	var tags []string
	tags = append(tags, namespaced("", strings.Fields(p.TagsGeneral))...)
	tags = append(tags, namespaced("artist", strings.Fields(p.TagsArtist))...)
	tags = append(tags, namespaced("character", strings.Fields(p.TagsChar))...)
	tags = append(tags, namespaced("copyright", strings.Fields(p.TagsCopy))...)
	tags = append(tags, namespaced("meta", strings.Fields(p.TagsMeta))...)

	postURL := d.base + "/posts/" + strconv.FormatInt(p.ID, 10)
	return &Asset{
		PostURL: postURL,
		FileURL: p.FileURL,
		Tags:    d.sanitizer.CleanAll(tags),
		Rating:  parseRating(p.Rating),
		Sources: sourceURLs(postURL, p.Source),
	}
}

// idFromPath はURLのパスからprefixに続く数値IDを取り出す。
func idFromPath(rawURL, prefix string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", model.NewValidationError("url", "URLの解析に失敗しました")
	}
	rest, ok := strings.CutPrefix(u.Path, prefix)
	if !ok {
		return "", model.NewValidationError("url", "投稿URLではありません")
	}
	id, _, _ := strings.Cut(rest, "/")
	id = strings.TrimSuffix(id, ".json")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", model.NewValidationError("url", "投稿IDを取得できません")
	}
	return id, nil
}

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagvault/internal/ingest"
	"github.com/hitoshi/tagvault/internal/model"
)

// DefaultMaxUploadSize はアップロードされるファイルの既定の上限サイズ。
const DefaultMaxUploadSize = 100 << 20

// FileServiceInterface はファイルハンドラーが必要とするサービスインターフェース。
type FileServiceInterface interface {
	Get(ctx context.Context, id int64) (*model.File, error)
	Search(ctx context.Context, page int, query string) ([]*model.File, error)
	Stats(ctx context.Context) (model.FileStats, error)
	SuggestTags(ctx context.Context, prefix string) ([]model.Tag, error)
	Upload(ctx context.Context, in ingest.Input) (*ingest.Result, error)
	Update(ctx context.Context, id int64, in ingest.UpdateInput) (*model.File, error)
	IngestFromBooru(ctx context.Context, postURL string) (*ingest.Result, error)
}

// FileHandler はファイル・タグ・booru取り込みのHTTPハンドラー。
type FileHandler struct {
	service       FileServiceInterface
	maxUploadSize int64
}

// NewFileHandler はFileHandlerを生成する。maxUploadSizeが0以下の場合は既定値を使う。
func NewFileHandler(service FileServiceInterface, maxUploadSize int64) *FileHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &FileHandler{service: service, maxUploadSize: maxUploadSize}
}

// fileFields はアップロード・更新時のJSONフィールド。
type fileFields struct {
	Tags   []string `json:"tags"`
	Rating *string  `json:"rating"`
	Source []string `json:"source"`
}

// fileSearchResponse は検索結果のAPIレスポンス。
type fileSearchResponse struct {
	Page  int            `json:"page"`
	Files []fileResponse `json:"files"`
}

// fileStatsResponse は統計のAPIレスポンス。
type fileStatsResponse struct {
	Files int `json:"files"`
	Tags  int `json:"tags"`
}

// booruRequest はbooru取り込みリクエストのボディ。
type booruRequest struct {
	URL string `json:"url"`
}

// Upload はmultipartでアップロードされたファイルを取り込む。
// 新規は200、同一内容のファイルが存在する場合は既存ファイルを303で返す。
// POST /file
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeBadRequest(w, "multipart形式のリクエストを送信してください")
		return
	}
	defer r.MultipartForm.RemoveAll()

	part, _, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file フィールドが必要です")
		return
	}
	defer part.Close()
	data, err := io.ReadAll(part)
	if err != nil {
		writeBadRequest(w, "ファイルの読み込みに失敗しました")
		return
	}

	fields, err := uploadFields(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	rating, err := parseRatingField(fields.Rating)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res, err := h.service.Upload(r.Context(), ingest.Input{
		Data:    data,
		Tags:    fields.Tags,
		Sources: fields.Source,
		Rating:  rating,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if res.Duplicate {
		w.Header().Set("Location", fmt.Sprintf("/file/%d", res.File.ID))
		writeJSON(w, http.StatusSeeOther, toFileResponse(res.File))
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(res.File))
}

// uploadFields はmultipartのフィールドを読み取る。
// "data" パートにJSONがあればそれを使い、無ければ tags[]・source[]・rating の各フィールドを使う。
func uploadFields(r *http.Request) (fileFields, error) {
	var fields fileFields
	if raw := r.FormValue("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fields, fmt.Errorf("data フィールドのJSONが不正です")
		}
		return fields, nil
	}

	form := r.MultipartForm.Value
	fields.Tags = append(splitFields(form["tags[]"]), splitFields(form["tags"])...)
	fields.Source = append(splitFields(form["source[]"]), splitFields(form["source"])...)
	if v, ok := form["rating"]; ok && len(v) > 0 {
		fields.Rating = &v[0]
	}
	return fields, nil
}

// splitFields は空白区切りの値を展開する。
func splitFields(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Fields(v)...)
	}
	return out
}

func parseRatingField(raw *string) (*model.Rating, error) {
	if raw == nil {
		return nil, nil
	}
	rating, err := model.ParseRating(strings.TrimSpace(*raw))
	if err != nil {
		return nil, err
	}
	return &rating, nil
}

// GetFile は指定IDのファイルを返す。
// GET /file/{id}
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Param(r, "id")
	if !ok {
		writeBadRequest(w, "ファイルIDは正の整数で指定してください")
		return
	}

	f, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(f))
}

// UpdateFile はファイルのタグ・レーティング・ソースを更新する。
// 省略したフィールドは変更しない。
// PATCH /file/{id}
func (h *FileHandler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Param(r, "id")
	if !ok {
		writeBadRequest(w, "ファイルIDは正の整数で指定してください")
		return
	}

	var req fileFields
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "JSONボディが不正です")
		return
	}
	rating, err := parseRatingField(req.Rating)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	f, err := h.service.Update(r.Context(), id, ingest.UpdateInput{
		Tags:    req.Tags,
		Sources: req.Source,
		Rating:  rating,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(f))
}

// Search はファイルを新しい順に32件ずつ返す。
// GET /file/search/{page}?tags=a+b
func (h *FileHandler) Search(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		writeBadRequest(w, "page は整数で指定してください")
		return
	}

	files, err := h.service.Search(r.Context(), page, r.URL.Query().Get("tags"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileSearchResponse{Page: page, Files: toFileResponses(files)})
}

// Stats はファイル数とタグ数を返す。
// GET /file/stats
func (h *FileHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileStatsResponse{Files: stats.Files, Tags: stats.Tags})
}

// SuggestTags はprefixで始まるタグを返す。
// GET /tag/{prefix}
func (h *FileHandler) SuggestTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.SuggestTags(r.Context(), chi.URLParam(r, "prefix"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTagResponses(tags))
}

// IngestBooru は投稿URLから1件取り込み、結果のファイルを201で返す。
// POST /booru
func (h *FileHandler) IngestBooru(w http.ResponseWriter, r *http.Request) {
	var req booruRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "JSONボディが不正です")
			return
		}
	} else {
		req.URL = r.FormValue("url")
	}

	res, err := h.service.IngestFromBooru(r.Context(), req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFileResponse(res.File))
}

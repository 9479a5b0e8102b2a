package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/subscription"
)

// SubscriptionServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	Create(ctx context.Context, in subscription.CreateInput) (*model.Subscription, error)
	List(ctx context.Context) ([]*model.Subscription, error)
	Get(ctx context.Context, id int64) (*model.Subscription, error)
	Update(ctx context.Context, id int64, in subscription.UpdateInput) (*model.Subscription, error)
	Delete(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) (*model.Subscription, error)
	Resume(ctx context.Context, id int64) (*model.Subscription, error)
	RunNow(ctx context.Context, id int64) (*model.Subscription, error)
	GetRun(ctx context.Context, runID int64) (*model.Run, error)
}

// SubscriptionHandler は購読管理のHTTPハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
	}
}

// createSubscriptionRequest は購読作成リクエストのボディ。
type createSubscriptionRequest struct {
	Site         string   `json:"site"`
	Tags         []string `json:"tags"`
	TagBlacklist []string `json:"tag_blacklist"`
	Limit        int      `json:"limit"`
	Interval     string   `json:"interval"`
}

// updateSubscriptionRequest は購読更新リクエストのボディ。省略したフィールドは変更しない。
type updateSubscriptionRequest struct {
	Tags         []string `json:"tags"`
	TagBlacklist []string `json:"tag_blacklist"`
	Limit        *int     `json:"limit"`
	Interval     *string  `json:"interval"`
}

// List は購読一覧を返す。
// GET /subscription
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, toSubscriptionResponse(sub))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Create は購読を作成する。
// POST /subscription
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "JSONボディが不正です")
		return
	}

	sub, err := h.service.Create(r.Context(), subscription.CreateInput{
		Site:         req.Site,
		Tags:         req.Tags,
		TagBlacklist: req.TagBlacklist,
		Limit:        req.Limit,
		Interval:     req.Interval,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
}

// Get は購読を最近のRun付きで返す。
// GET /subscription/{id}
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.service.Get)
}

// Update は購読の設定を更新する。
// PATCH /subscription/{id}
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "JSONボディが不正です")
		return
	}
	h.withID(w, r, func(ctx context.Context, id int64) (*model.Subscription, error) {
		return h.service.Update(ctx, id, subscription.UpdateInput{
			Tags:         req.Tags,
			TagBlacklist: req.TagBlacklist,
			Limit:        req.Limit,
			Interval:     req.Interval,
		})
	})
}

// Delete は購読を削除する。
// DELETE /subscription/{id}
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Param(r, "id")
	if !ok {
		writeBadRequest(w, "購読IDは正の整数で指定してください")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause は購読を一時停止する。
// POST /subscription/{id}/pause
func (h *SubscriptionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.service.Pause)
}

// Resume は一時停止を解除する。
// POST /subscription/{id}/resume
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.service.Resume)
}

// RunNow は購読を次のスケジューラ周期で実行させる。
// POST /subscription/{id}/run
func (h *SubscriptionHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.service.RunNow)
}

// GetRun はRunをログ付きで返す。
// GET /subscription/run/{runID}
func (h *SubscriptionHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseInt64Param(r, "runID")
	if !ok {
		writeBadRequest(w, "実行履歴IDは正の整数で指定してください")
		return
	}

	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *SubscriptionHandler) withID(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (*model.Subscription, error)) {
	id, ok := parseInt64Param(r, "id")
	if !ok {
		writeBadRequest(w, "購読IDは正の整数で指定してください")
		return
	}

	sub, err := fn(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

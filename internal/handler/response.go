package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagvault/internal/middleware"
	"github.com/hitoshi/tagvault/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// APIErrorはコードで、センチネルエラーはerrors.Isで分類する。
func handleServiceError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	statusCode := mapAPIErrorToHTTPStatus(apiErr)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("internal server error",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// toAPIError はエラーをAPIErrorに変換する。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, model.ErrUnsupportedMediaType):
		return model.NewUnsupportedMediaTypeError(err.Error())
	case errors.Is(err, model.ErrUnsupportedSite):
		return model.NewUnsupportedSiteError(err.Error())
	case errors.Is(err, model.ErrInvalidInterval):
		return model.NewInvalidIntervalError(err.Error())
	case errors.Is(err, model.ErrValidation):
		return model.NewInvalidRequestError(err.Error())
	case model.IsRetryableFetch(err), errors.Is(err, model.ErrInvalidQuery):
		return model.NewFetchFailedError(err.Error())
	case errors.Is(err, model.ErrStorageWrite):
		return model.NewStorageFailedError()
	case errors.Is(err, model.ErrRepositoryCommit):
		return model.NewCommitFailedError()
	default:
		return model.NewInternalError()
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeUnsupportedMediaType,
		model.ErrCodeUnsupportedSite, model.ErrCodeInvalidInterval:
		return http.StatusBadRequest
	case model.ErrCodeFileNotFound, model.ErrCodeSubscriptionNotFound, model.ErrCodeRunNotFound:
		return http.StatusNotFound
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeBadRequest は入力検証エラーを400で返す。
func writeBadRequest(w http.ResponseWriter, reason string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
}

// parseInt64Param はURLパラメータを正の整数として解析する。
func parseInt64Param(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

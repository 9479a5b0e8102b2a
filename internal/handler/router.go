package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/tagvault/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ファイル・タグ・booru取り込み
	FileService   FileServiceInterface
	MaxUploadSize int64

	// 購読
	SubscriptionService SubscriptionServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	fileHandler := NewFileHandler(deps.FileService, deps.MaxUploadSize)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService)

	ingestLimit := func(next http.Handler) http.Handler { return next }
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			ingestLimit = deps.RateLimiter.IngestMiddleware()
		}

		// ファイル
		r.Route("/file", func(r chi.Router) {
			r.With(ingestLimit).Post("/", fileHandler.Upload)
			r.Get("/stats", fileHandler.Stats)
			r.Get("/search/{page}", fileHandler.Search)
			r.Get("/{id}", fileHandler.GetFile)
			r.Patch("/{id}", fileHandler.UpdateFile)
		})

		// タグ候補
		r.Get("/tag/{prefix}", fileHandler.SuggestTags)

		// booru取り込み
		r.With(ingestLimit).Post("/booru", fileHandler.IngestBooru)

		// 購読管理
		r.Route("/subscription", func(r chi.Router) {
			r.Get("/", subHandler.List)
			r.Post("/", subHandler.Create)
			r.Get("/run/{runID}", subHandler.GetRun)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", subHandler.Get)
				r.Patch("/", subHandler.Update)
				r.Delete("/", subHandler.Delete)
				r.Post("/run", subHandler.RunNow)
				r.Post("/pause", subHandler.Pause)
				r.Post("/resume", subHandler.Resume)
			})
		})
	})

	return r
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tagvault/internal/config"
	"github.com/hitoshi/tagvault/internal/database"
	"github.com/hitoshi/tagvault/internal/file"
	"github.com/hitoshi/tagvault/internal/handler"
	"github.com/hitoshi/tagvault/internal/ingest"
	"github.com/hitoshi/tagvault/internal/logger"
	"github.com/hitoshi/tagvault/internal/metrics"
	"github.com/hitoshi/tagvault/internal/middleware"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/repository"
	"github.com/hitoshi/tagvault/internal/security"
	"github.com/hitoshi/tagvault/internal/site"
	"github.com/hitoshi/tagvault/internal/storage"
	"github.com/hitoshi/tagvault/internal/subscription"
	"github.com/hitoshi/tagvault/internal/worker/cleanup"
	"github.com/hitoshi/tagvault/internal/worker/run"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.NeedsConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting tagvault",
		slog.String("command", string(cmd)),
		slog.String("mode", cmd.Description()),
		slog.String("port", cfg.ServerPort),
		slog.String("storage_backend", cfg.StorageBackend),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとworkerで共有する依存関係の集合。
type components struct {
	db       *sql.DB
	files    *repository.PostgresFileRepo
	tags     *repository.PostgresTagRepo
	subs     *repository.PostgresSubscriptionRepo
	runs     *repository.PostgresRunRepo
	pipeline *ingest.Pipeline
	sites    *site.Registry
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

// openComponents はDB接続を開き、リポジトリ・ストレージ・取り込みパイプライン・
// サイトAdapterをワイヤリングする。
func openComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "tagvault"),
	)
	collector := metrics.NewCollector(reg)

	// 3. ストレージ
	store, err := openStorage(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	// 4. リポジトリと取り込みパイプライン
	c := &components{
		db:       db,
		files:    repository.NewPostgresFileRepo(db),
		tags:     repository.NewPostgresTagRepo(db),
		subs:     repository.NewPostgresSubscriptionRepo(db),
		runs:     repository.NewPostgresRunRepo(db),
		registry: reg,
		metrics:  collector,
	}
	c.pipeline = ingest.NewPipeline(c.files, store, site.Identify, slog.Default(), collector)

	// 5. サイトAdapter
	c.sites = site.NewDefaultRegistry(siteOptions(cfg, collector))

	return c, nil
}

// openStorage は設定に応じたストレージバックエンドを生成する。
func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case config.StorageMinio:
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			Bucket:          cfg.MinioBucket,
			UseSSL:          cfg.MinioUseSSL,
		}, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to open minio storage: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewLocalStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open local storage: %w", err)
		}
		return store, nil
	}
}

// siteOptions はConfigからサイトAdapterの設定を構築する。
func siteOptions(cfg *config.Config, m metrics.MetricsCollector) site.Options {
	return site.Options{
		BaseURLs: map[model.Site]string{
			model.SiteDanbooru: cfg.DanbooruURL,
			model.SiteGelbooru: cfg.GelbooruURL,
			model.SiteE621:     cfg.E621URL,
			model.SiteYandere:  cfg.YandereURL,
		},
		Guard:             security.NewURLGuard(),
		Sanitizer:         security.NewTagSanitizer(),
		RequestsPerSecond: cfg.SiteRequestsPerSecond,
		Timeout:           cfg.SiteTimeout,
		MaxAttempts:       cfg.SiteMaxAttempts,
		UserAgent:         cfg.SiteUserAgent,
		Logger:            slog.Default(),
		Metrics:           m,
	}
}

// rateLimiterConfig はConfigのreq/min単位の値をRateLimiterConfigに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitIngest > 0 {
		rl.IngestRate = rate.Limit(float64(cfg.RateLimitIngest) / 60.0)
		rl.IngestBurst = cfg.RateLimitIngest
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := openComponents(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	// ドメインサービスの初期化
	fileService := file.NewService(c.files, c.tags, c.pipeline, c.sites, slog.Default())
	subService := subscription.NewService(c.subs, c.runs, c.sites)

	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:              slog.Default(),
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,
		HealthChecker:       c.db,
		MetricsHandler:      metrics.Handler(c.registry),
		FileService:         fileService,
		MaxUploadSize:       cfg.MaxUploadSize,
		SubscriptionService: subService,
	})

	// HTTPサーバーの起動
	// booruからの取り込みはダウンロードを含むため、書き込みタイムアウトを長めに取る
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、購読スケジューラと実行履歴のクリーンアップを起動する。
// SIGINTまたはSIGTERMシグナルを受信すると実行中のRunを中断してシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	// 1. Run Executorとスケジューラの初期化
	executor := run.NewExecutor(c.subs, c.runs, c.files, c.sites, c.pipeline, slog.Default(), c.metrics)
	scheduler := run.NewScheduler(c.subs, c.runs, executor, slog.Default(), c.metrics, cfg.WorkerConcurrency)
	scheduler.SetLeaseTimeout(cfg.RunLeaseTimeout)

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(c.db, slog.Default())
	cleanupJob.RetentionDays = cfg.RunRetentionDays

	// 3. メトリクス公開用サーバー
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(c.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("scheduler_interval", cfg.SchedulerInterval),
		slog.Int("worker_concurrency", cfg.WorkerConcurrency),
		slog.Duration("run_lease_timeout", cfg.RunLeaseTimeout),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	// クリーンアップジョブをバックグラウンドで定期実行
	go runPeriodically(ctx, cfg.CleanupInterval, func(ctx context.Context) {
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	})

	// 購読スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SchedulerInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runPeriodically は起動直後に1回fnを実行し、以降interval毎に実行する。
// コンテキストがキャンセルされると戻る。
func runPeriodically(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

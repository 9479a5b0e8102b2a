package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストレージバックエンドの種別。
const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration

	// Server
	ServerPort        string
	MetricsPort       string
	CORSAllowedOrigin string
	MaxUploadSize     int64

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitIngest  int

	// Logging
	LogLevel string

	// Storage
	StorageBackend string
	DataDir        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Scheduler
	SchedulerInterval time.Duration
	WorkerConcurrency int
	RunLeaseTimeout   time.Duration
	RunRetentionDays  int
	CleanupInterval   time.Duration

	// Site
	SiteRequestsPerSecond float64
	SiteTimeout           time.Duration
	SiteMaxAttempts       int
	SiteUserAgent         string
	DanbooruURL           string
	GelbooruURL           string
	E621URL               string
	YandereURL            string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.StorageBackend = strings.ToLower(getEnvString("STORAGE_BACKEND", StorageLocal))
	if cfg.StorageBackend == StorageMinio {
		for _, key := range []string{"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY"} {
			if os.Getenv(key) == "" {
				missing = append(missing, key)
			}
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}
	if cfg.StorageBackend != StorageLocal && cfg.StorageBackend != StorageMinio {
		return nil, fmt.Errorf("unknown STORAGE_BACKEND: %q", cfg.StorageBackend)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLife = getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", 100<<20)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitIngest = getEnvInt("RATE_LIMIT_INGEST", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.DataDir = getEnvString("DATA_DIR", "./data")
	cfg.MinioEndpoint = os.Getenv("MINIO_ENDPOINT")
	cfg.MinioAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.MinioSecretKey = os.Getenv("MINIO_SECRET_KEY")
	cfg.MinioBucket = getEnvString("MINIO_BUCKET", "tagvault")
	cfg.MinioUseSSL = getEnvBool("MINIO_USE_SSL", false)
	cfg.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL", time.Minute)
	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", 4)
	cfg.RunLeaseTimeout = getEnvDuration("RUN_LEASE_TIMEOUT", 2*time.Minute)
	cfg.RunRetentionDays = getEnvInt("RUN_RETENTION_DAYS", 90)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.SiteRequestsPerSecond = getEnvFloat("SITE_REQUESTS_PER_SECOND", 1)
	cfg.SiteTimeout = getEnvDuration("SITE_TIMEOUT", 30*time.Second)
	cfg.SiteMaxAttempts = getEnvInt("SITE_MAX_ATTEMPTS", 3)
	cfg.SiteUserAgent = getEnvString("SITE_USER_AGENT", "tagvault/1.0")
	cfg.DanbooruURL = os.Getenv("DANBOORU_URL")
	cfg.GelbooruURL = os.Getenv("GELBOORU_URL")
	cfg.E621URL = os.Getenv("E621_URL")
	cfg.YandereURL = os.Getenv("YANDERE_URL")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

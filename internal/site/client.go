package site

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/tagvault/internal/metrics"
	"github.com/hitoshi/tagvault/internal/model"
	"github.com/hitoshi/tagvault/internal/security"
)

// ClassifyHTTPStatus はサイトのHTTPステータスコードをエラー分類に変換する。
// 200系はnilを返す。429はErrRateLimited、5xxはErrSiteUnavailable、
// それ以外の4xxはリトライしてはいけないErrInvalidQueryになる。
func ClassifyHTTPStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return model.ErrRateLimited
	case statusCode >= 500:
		return model.ErrSiteUnavailable
	case statusCode >= 400:
		return model.ErrInvalidQuery
	default:
		return model.ErrSiteUnavailable
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// initialから2倍ずつ増加し、maxDelayで打ち止めになる。
func CalculateBackoff(consecutiveErrors int, initial, maxDelay time.Duration) time.Duration {
	delay := initial
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}

// httpClient はサイト単位のレート制限と再試行を行うHTTPクライアント。
type httpClient struct {
	site        model.Site
	client      *http.Client
	guard       security.URLGuard
	limiter     *rate.Limiter
	maxAttempts int
	initial     time.Duration
	maxBackoff  time.Duration
	maxBodySize int64
	userAgent   string
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

func newHTTPClient(s model.Site, opts Options) *httpClient {
	return &httpClient{
		site:        s,
		client:      opts.Client,
		guard:       opts.Guard,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		maxAttempts: opts.MaxAttempts,
		initial:     opts.InitialBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxBodySize: opts.MaxBodySize,
		userAgent:   opts.UserAgent,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// get はURLの本文を取得する。リトライ可能なエラーはバックオフを挟んで再試行する。
// 試行回数を使い切った場合は最後のエラーを返す。
func (c *httpClient) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	if c.guard != nil {
		if err := c.guard.Check(rawURL); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidQuery, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(attempt-1, c.initial, c.maxBackoff)
			c.logger.Warn("サイトへのリクエストを再試行します",
				slog.String("site", string(c.site)),
				slog.String("url", rawURL),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", model.ErrSiteUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		body, err := c.do(ctx, rawURL, accept)
		if err == nil {
			return body, nil
		}
		if !model.IsRetryableFetch(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *httpClient) do(ctx context.Context, rawURL, accept string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSiteUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: リクエスト作成に失敗: %v", model.ErrInvalidQuery, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTPリクエストに失敗しました",
			slog.String("site", string(c.site)),
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", model.ErrSiteUnavailable, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordSiteHTTPStatus(string(c.site), resp.StatusCode)
	if err := ClassifyHTTPStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: HTTPステータス %d: %s", err, resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: レスポンスの読み取りに失敗: %v", model.ErrSiteUnavailable, err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, fmt.Errorf("%w: レスポンスが上限 %d バイトを超えました", model.ErrInvalidQuery, c.maxBodySize)
	}
	return body, nil
}

// download はファイル本体を取得する。
func (c *httpClient) download(ctx context.Context, asset *Asset) ([]byte, error) {
	if asset == nil || asset.FileURL == "" {
		return nil, fmt.Errorf("%w: ファイルURLがありません", model.ErrInvalidQuery)
	}
	return c.get(ctx, asset.FileURL, "")
}

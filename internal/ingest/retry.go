package ingest

import (
	"context"
	"time"

	"github.com/hitoshi/tagvault/internal/model"
)

// RetryPolicy はインフラ障害時の再試行方針。
type RetryPolicy struct {
	// MaxAttempts は初回を含む試行回数の上限。
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy はRun内での取り込みに使う再試行方針を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Backoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// InitialDelayから2倍ずつ増加し、MaxDelayで打ち止めになる。
func (r RetryPolicy) Backoff(consecutiveErrors int) time.Duration {
	delay := r.InitialDelay
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > r.MaxDelay {
			return r.MaxDelay
		}
	}
	return delay
}

// IngestWithRetry はストレージ書き込みまたはリポジトリ登録の失敗時に、
// バックオフを挟んでIngestを再試行する。それ以外のエラーは即座に返す。
// 利用者のアップロードには使わず、Run内の取り込みでのみ使用する。
func (p *Pipeline) IngestWithRetry(ctx context.Context, in Input, policy RetryPolicy) (*Result, error) {
	attempts := max(policy.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Backoff(attempt - 1)
			p.logger.Warn("取り込みを再試行します", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
		}

		result, err := p.Ingest(ctx, in)
		if err == nil {
			return result, nil
		}
		if !model.IsInfrastructure(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

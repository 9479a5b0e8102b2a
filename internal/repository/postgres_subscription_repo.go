package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tagvault/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `id, site, tags, tag_blacklist, result_limit, run_interval,
	next_run, status, paused, last_error, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := row.Scan(
		&sub.ID, &sub.Site, pq.Array(&sub.Tags), pq.Array(&sub.TagBlacklist), &sub.Limit, &sub.Interval,
		&sub.NextRun, &sub.Status, &sub.Paused, &sub.LastError, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id int64) (*model.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// List は全購読をID昇順で返す。
func (r *PostgresSubscriptionRepo) List(ctx context.Context) ([]*model.Subscription, error) {
	return r.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id ASC`)
}

// ListDue は実行対象の購読をnext_run昇順で返す。
func (r *PostgresSubscriptionRepo) ListDue(ctx context.Context, now time.Time) ([]*model.Subscription, error) {
	return r.query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE paused = FALSE AND status <> 'running' AND next_run <= $1
		 ORDER BY next_run ASC`,
		now,
	)
}

func (r *PostgresSubscriptionRepo) query(ctx context.Context, query string, args ...any) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// Create は購読を作成する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.Status == "" {
		sub.Status = model.SubscriptionStatusIdle
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (site, tags, tag_blacklist, result_limit, run_interval, next_run, status, paused)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		sub.Site, pq.Array(nonNil(sub.Tags)), pq.Array(nonNil(sub.TagBlacklist)), sub.Limit, sub.Interval,
		sub.NextRun, sub.Status, sub.Paused,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は購読の設定を更新する。
func (r *PostgresSubscriptionRepo) Update(ctx context.Context, sub *model.Subscription) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET site = $2, tags = $3, tag_blacklist = $4, result_limit = $5, run_interval = $6,
		     next_run = $7, updated_at = NOW()
		 WHERE id = $1`,
		sub.ID, sub.Site, pq.Array(nonNil(sub.Tags)), pq.Array(nonNil(sub.TagBlacklist)), sub.Limit, sub.Interval,
		sub.NextRun,
	)
	if err != nil {
		return fmt.Errorf("購読の更新に失敗しました: %w", err)
	}
	return expectAffected(result, "subscription", sub.ID)
}

// Delete は購読を削除する。Runとログは CASCADE 削除される。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	return expectAffected(result, "subscription", id)
}

// SetPaused は購読の一時停止状態を切り替える。
func (r *PostgresSubscriptionRepo) SetPaused(ctx context.Context, id int64, paused bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET paused = $2, updated_at = NOW() WHERE id = $1`,
		id, paused,
	)
	if err != nil {
		return fmt.Errorf("一時停止状態の更新に失敗しました: %w", err)
	}
	return expectAffected(result, "subscription", id)
}

// SetNextRun は次回実行日時を更新する。
func (r *PostgresSubscriptionRepo) SetNextRun(ctx context.Context, id int64, nextRun time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET next_run = $2, updated_at = NOW() WHERE id = $1`,
		id, nextRun,
	)
	if err != nil {
		return fmt.Errorf("次回実行日時の更新に失敗しました: %w", err)
	}
	return expectAffected(result, "subscription", id)
}

// Claim は購読をrunningに遷移させ、確保トークンと確保日時を記録する。
// WHERE句の条件で排他するため、同時に呼ばれても更新できるのは1つだけ。
func (r *PostgresSubscriptionRepo) Claim(ctx context.Context, id int64, token string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = 'running', last_error = '', claim_token = $2, claimed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status <> 'running' AND paused = FALSE`,
		id, token,
	)
	if err != nil {
		return false, fmt.Errorf("購読の確保に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// Heartbeat は確保日時を更新する。確保が失われていればfalseを返す。
func (r *PostgresSubscriptionRepo) Heartbeat(ctx context.Context, id int64, token string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET claimed_at = NOW()
		 WHERE id = $1 AND status = 'running' AND claim_token = $2`,
		id, token,
	)
	if err != nil {
		return false, fmt.Errorf("購読の確保の延長に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// Complete はRun終了後の状態と次回実行日時を記録し、確保を解放する。
// 実行中に購読が削除された場合や確保が回収された場合は何もしない。
func (r *PostgresSubscriptionRepo) Complete(ctx context.Context, id int64, token string, status model.SubscriptionStatus, lastError string, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = $3, last_error = $4, next_run = $5,
		     claim_token = '', claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2`,
		id, token, status, lastError, nextRun,
	)
	if err != nil {
		return fmt.Errorf("購読の完了記録に失敗しました: %w", err)
	}
	return nil
}

// RecoverStale は確保日時がstaleBeforeより古いrunningの購読をerrorに戻し、
// その未終了のRunをfailedにする。
func (r *PostgresSubscriptionRepo) RecoverStale(ctx context.Context, reason string, staleBefore time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`UPDATE subscriptions
		 SET status = 'error', last_error = $1, claim_token = '', claimed_at = NULL, updated_at = NOW()
		 WHERE status = 'running' AND (claimed_at IS NULL OR claimed_at < $2)
		 RETURNING id`,
		reason, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("実行中購読の回収に失敗しました: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("回収した購読の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("回収した購読の読み取りに失敗しました: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscription_runs
		 SET status = 'failed', finished = TRUE, finished_at = NOW(), error_message = $1, updated_at = NOW()
		 WHERE finished = FALSE AND subscription_id = ANY($2)`,
		reason, pq.Array(ids),
	); err != nil {
		return 0, fmt.Errorf("未終了Runの回収に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return len(ids), nil
}

// affectedOne は更新件数がちょうど1件かどうかを返す。
func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// expectAffected は更新件数が0の場合にErrNotFoundを返す。
func expectAffected(result sql.Result, entity string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", model.ErrNotFound, entity, id)
	}
	return nil
}

// nonNil はpq.Arrayがnilスライスを NULL として送らないよう空スライスに置き換える。
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/tagvault/internal/model"
)

// PostgresRunRepo はPostgreSQLを使用したRun・ログリポジトリ。
type PostgresRunRepo struct {
	db    *sql.DB
	files *PostgresFileRepo
}

// NewPostgresRunRepo はPostgresRunRepoを生成する。
func NewPostgresRunRepo(db *sql.DB) *PostgresRunRepo {
	return &PostgresRunRepo{db: db, files: NewPostgresFileRepo(db)}
}

const runColumns = `id, subscription_id, site, tags, status, page_cursor, page_number,
	downloaded_url_count, skipped_url_count, failed_url_count,
	finished, finished_at, cancelled, error_message, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	run := &model.Run{}
	var finishedAt sql.NullTime
	err := row.Scan(
		&run.ID, &run.SubscriptionID, &run.Site, pq.Array(&run.Tags), &run.Status, &run.Cursor, &run.PageNumber,
		&run.DownloadedURLCount, &run.SkippedURLCount, &run.FailedURLCount,
		&run.Finished, &finishedAt, &run.Cancelled, &run.Error, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// Create はRunを作成する。
func (r *PostgresRunRepo) Create(ctx context.Context, run *model.Run) error {
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscription_runs (subscription_id, site, tags, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		run.SubscriptionID, run.Site, pq.Array(nonNil(run.Tags)), run.Status,
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("Runの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのRunをログ付きで取得する。見つからない場合はnilを返す。
func (r *PostgresRunRepo) FindByID(ctx context.Context, id int64) (*model.Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM subscription_runs WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Runの取得に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, run_id, url, status, file_id, reason, created_at, updated_at
		 FROM run_logs WHERE run_id = $1 ORDER BY created_at ASC, url ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		l := &model.Log{}
		var fileID sql.NullInt64
		if err := rows.Scan(&l.ID, &l.RunID, &l.URL, &l.Status, &fileID, &l.Reason, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ログ行の読み取りに失敗しました: %w", err)
		}
		if fileID.Valid {
			v := fileID.Int64
			l.FileID = &v
		}
		run.Logs = append(run.Logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ログの走査に失敗しました: %w", err)
	}

	for _, l := range run.Logs {
		if l.FileID == nil {
			continue
		}
		f, err := r.files.FindByID(ctx, *l.FileID)
		if err != nil {
			return nil, err
		}
		l.File = f
	}
	return run, nil
}

// ListBySubscription は購読のRunを新しい順に最大limit件返す。
func (r *PostgresRunRepo) ListBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*model.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM subscription_runs
		 WHERE subscription_id = $1 ORDER BY id DESC LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("Run一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("Run行の読み取りに失敗しました: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Run一覧の走査に失敗しました: %w", err)
	}
	return runs, nil
}

// CountBySubscription は購読のRun数を返す。
func (r *PostgresRunRepo) CountBySubscription(ctx context.Context, subscriptionID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription_runs WHERE subscription_id = $1`, subscriptionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("Run数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// UpdateProgress はRunの状態、カーソル、ページ番号を更新する。
func (r *PostgresRunRepo) UpdateProgress(ctx context.Context, run *model.Run) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscription_runs
		 SET status = $2, page_cursor = $3, page_number = $4, updated_at = NOW()
		 WHERE id = $1`,
		run.ID, run.Status, run.Cursor, run.PageNumber,
	)
	if err != nil {
		return fmt.Errorf("Runの進捗更新に失敗しました: %w", err)
	}
	return expectAffected(result, "run", run.ID)
}

// Finish はRunを終端状態として記録する。
func (r *PostgresRunRepo) Finish(ctx context.Context, run *model.Run) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscription_runs
		 SET status = $2, page_cursor = $3, page_number = $4, finished = TRUE, finished_at = $5,
		     cancelled = $6, error_message = $7,
		     downloaded_url_count = GREATEST(downloaded_url_count, $8),
		     skipped_url_count = GREATEST(skipped_url_count, $9),
		     failed_url_count = GREATEST(failed_url_count, $10),
		     updated_at = NOW()
		 WHERE id = $1`,
		run.ID, run.Status, run.Cursor, run.PageNumber, run.FinishedAt, run.Cancelled, run.Error,
		run.DownloadedURLCount, run.SkippedURLCount, run.FailedURLCount,
	)
	if err != nil {
		return fmt.Errorf("Runの終了記録に失敗しました: %w", err)
	}
	return expectAffected(result, "run", run.ID)
}

// counterColumns はログ結果とカウンタ列の対応。
var counterColumns = map[model.LogStatus]string{
	model.LogStatusDownloaded: "downloaded_url_count",
	model.LogStatusSkipped:    "skipped_url_count",
	model.LogStatusFailed:     "failed_url_count",
}

// RecordLog はログを追加し、同じトランザクションで対応するカウンタを1つ進める。
func (r *PostgresRunRepo) RecordLog(ctx context.Context, l *model.Log) (bool, error) {
	column, ok := counterColumns[l.Status]
	if !ok {
		return false, fmt.Errorf("不正なログ状態です: %q", l.Status)
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO run_logs (id, run_id, url, status, file_id, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, url) DO NOTHING
		 RETURNING created_at, updated_at`,
		l.ID, l.RunID, l.URL, l.Status, l.FileID, l.Reason,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ログの追加に失敗しました: %w", err)
	}

	// columnは固定の対応表から選ぶため、文字列連結しても安全。
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscription_runs SET `+column+` = `+column+` + 1, updated_at = NOW() WHERE id = $1`,
		l.RunID,
	); err != nil {
		return false, fmt.Errorf("カウンタの更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return true, nil
}

// HasLog は同一RunでURLが記録済みかを返す。
func (r *PostgresRunRepo) HasLog(ctx context.Context, runID int64, url string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_logs WHERE run_id = $1 AND url = $2)`,
		runID, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ログの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// compile-time interface check
var _ RunRepository = (*PostgresRunRepo)(nil)

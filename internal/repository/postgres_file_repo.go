package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/tagvault/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// fileHashConstraint はfiles.hashの一意制約名。
const fileHashConstraint = "files_hash_key"

// isUniqueViolation はerrが指定制約の一意制約違反かを判定する。
// constraintが空の場合は制約名を問わない。
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// PostgresFileRepo はPostgreSQLを使用したファイルリポジトリ。
type PostgresFileRepo struct {
	db *sql.DB
}

// NewPostgresFileRepo はPostgresFileRepoを生成する。
func NewPostgresFileRepo(db *sql.DB) *PostgresFileRepo {
	return &PostgresFileRepo{db: db}
}

const fileColumns = `id, hash, filename, size, mime_type, rating, status, created_at, updated_at`

// queryer は*sql.DBと*sql.Txの共通部分。
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanFile(row interface{ Scan(...any) error }) (*model.File, error) {
	f := &model.File{}
	err := row.Scan(&f.ID, &f.Hash, &f.Filename, &f.Size, &f.MimeType, &f.Rating, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FindByID は指定IDのファイルをタグ・ソース付きで取得する。見つからない場合はnilを返す。
func (r *PostgresFileRepo) FindByID(ctx context.Context, id int64) (*model.File, error) {
	return r.findOne(ctx, r.db, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
}

// FindByHash はハッシュでファイルを取得する。見つからない場合はnilを返す。
func (r *PostgresFileRepo) FindByHash(ctx context.Context, hash string) (*model.File, error) {
	return r.findOne(ctx, r.db, `SELECT `+fileColumns+` FROM files WHERE hash = $1`, hash)
}

func (r *PostgresFileRepo) findOne(ctx context.Context, q queryer, query string, arg any) (*model.File, error) {
	f, err := scanFile(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ファイルの取得に失敗しました: %w", err)
	}
	if err := r.loadRelations(ctx, q, []*model.File{f}); err != nil {
		return nil, err
	}
	return f, nil
}

// Create はファイルを作成し、タグ・ソースを同一トランザクションで接続する。
func (r *PostgresFileRepo) Create(ctx context.Context, file *model.File, changes model.FileChanges) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: トランザクションの開始に失敗しました: %v", model.ErrRepositoryCommit, err)
	}
	defer tx.Rollback()

	if changes.Rating != nil {
		file.Rating = *changes.Rating
	}
	if file.Rating == "" {
		file.Rating = model.RatingUnset
	}
	if file.Status == "" {
		file.Status = model.FileStatusActive
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO files (hash, filename, size, mime_type, rating, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		file.Hash, file.Filename, file.Size, file.MimeType, file.Rating, file.Status,
	).Scan(&file.ID, &file.CreatedAt, &file.UpdatedAt)
	if isUniqueViolation(err, fileHashConstraint) {
		return fmt.Errorf("%w: %s", model.ErrDuplicateHash, file.Hash)
	}
	if err != nil {
		return fmt.Errorf("%w: ファイルの作成に失敗しました: %v", model.ErrRepositoryCommit, err)
	}

	if err := applyChanges(ctx, tx, file.ID, changes); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: コミットに失敗しました: %v", model.ErrRepositoryCommit, err)
	}

	return r.loadRelations(ctx, r.db, []*model.File{file})
}

// Update はファイルに差分を適用し、更新後のファイルを返す。
func (r *PostgresFileRepo) Update(ctx context.Context, id int64, changes model.FileChanges) (*model.File, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: トランザクションの開始に失敗しました: %v", model.ErrRepositoryCommit, err)
	}
	defer tx.Rollback()

	var lockedID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM files WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %d", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ファイルのロックに失敗しました: %v", model.ErrRepositoryCommit, err)
	}

	if err := applyChanges(ctx, tx, id, changes); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE files SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("%w: 更新日時の更新に失敗しました: %v", model.ErrRepositoryCommit, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: コミットに失敗しました: %v", model.ErrRepositoryCommit, err)
	}

	return r.FindByID(ctx, id)
}

// applyChanges はタグ・ソースの接続と切断、レーティング変更をtx上で実行する。
func applyChanges(ctx context.Context, tx *sql.Tx, fileID int64, changes model.FileChanges) error {
	for _, key := range changes.ConnectTags {
		var tagID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO tags (namespace, value) VALUES ($1, $2)
			 ON CONFLICT (namespace, value) DO UPDATE SET namespace = EXCLUDED.namespace
			 RETURNING id`,
			key.Namespace, key.Value,
		).Scan(&tagID)
		if err != nil {
			return fmt.Errorf("%w: タグの作成に失敗しました %s: %v", model.ErrRepositoryCommit, key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_tags (file_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			fileID, tagID,
		); err != nil {
			return fmt.Errorf("%w: タグの接続に失敗しました %s: %v", model.ErrRepositoryCommit, key, err)
		}
	}

	for _, key := range changes.DisconnectTags {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_tags
			 WHERE file_id = $1
			   AND tag_id IN (SELECT id FROM tags WHERE namespace = $2 AND value = $3)`,
			fileID, key.Namespace, key.Value,
		); err != nil {
			return fmt.Errorf("%w: タグの切断に失敗しました %s: %v", model.ErrRepositoryCommit, key, err)
		}
	}

	for _, src := range changes.ConnectSources {
		status := src.Status
		if status == "" {
			status = model.SourceStatusPending
		}
		var sourceID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO sources (url, site, status) VALUES ($1, $2, $3)
			 ON CONFLICT (url) DO UPDATE SET site = EXCLUDED.site, status = EXCLUDED.status, updated_at = NOW()
			 RETURNING id`,
			src.URL, src.Site, status,
		).Scan(&sourceID)
		if err != nil {
			return fmt.Errorf("%w: ソースの作成に失敗しました %s: %v", model.ErrRepositoryCommit, src.URL, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_sources (file_id, source_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			fileID, sourceID,
		); err != nil {
			return fmt.Errorf("%w: ソースの接続に失敗しました %s: %v", model.ErrRepositoryCommit, src.URL, err)
		}
	}

	if len(changes.DisconnectSources) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_sources
			 WHERE file_id = $1
			   AND source_id IN (SELECT id FROM sources WHERE url = ANY($2))`,
			fileID, pq.Array(changes.DisconnectSources),
		); err != nil {
			return fmt.Errorf("%w: ソースの切断に失敗しました: %v", model.ErrRepositoryCommit, err)
		}
	}

	if changes.Rating != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET rating = $2 WHERE id = $1`,
			fileID, *changes.Rating,
		); err != nil {
			return fmt.Errorf("%w: レーティングの更新に失敗しました: %v", model.ErrRepositoryCommit, err)
		}
	}

	return nil
}

// Search は削除済み以外のファイルをID降順で取得する。
// tagsが空でない場合は、いずれかのタグを持つファイルに絞り込む。
func (r *PostgresFileRepo) Search(ctx context.Context, tags []model.TagKey, offset, limit int) ([]*model.File, error) {
	namespaces := make([]string, len(tags))
	values := make([]string, len(tags))
	for i, k := range tags {
		namespaces[i] = k.Namespace
		values[i] = k.Value
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+fileColumns+`
		 FROM files f
		 WHERE f.status <> 'deleted'
		   AND (cardinality($1::text[]) = 0 OR EXISTS (
		       SELECT 1 FROM file_tags ft
		       JOIN tags t ON t.id = ft.tag_id
		       JOIN unnest($1::text[], $2::text[]) AS q(namespace, value)
		         ON q.namespace = t.namespace AND q.value = t.value
		       WHERE ft.file_id = f.id))
		 ORDER BY f.id DESC
		 LIMIT $3 OFFSET $4`,
		pq.Array(namespaces), pq.Array(values), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("ファイル検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var files []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ファイル行の読み取りに失敗しました: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ファイル検索結果の走査に失敗しました: %w", err)
	}

	if err := r.loadRelations(ctx, r.db, files); err != nil {
		return nil, err
	}
	return files, nil
}

// loadRelations はファイル群のタグとソースをまとめて読み込む。
func (r *PostgresFileRepo) loadRelations(ctx context.Context, q queryer, files []*model.File) error {
	if len(files) == 0 {
		return nil
	}
	ids := make([]int64, len(files))
	byID := make(map[int64]*model.File, len(files))
	for i, f := range files {
		ids[i] = f.ID
		byID[f.ID] = f
		f.Tags = nil
		f.Sources = nil
	}

	tagRows, err := q.QueryContext(ctx,
		`SELECT ft.file_id, t.id, t.namespace, t.value
		 FROM file_tags ft JOIN tags t ON t.id = ft.tag_id
		 WHERE ft.file_id = ANY($1)
		 ORDER BY t.namespace, t.value`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("タグの取得に失敗しました: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var fileID int64
		var tag model.Tag
		if err := tagRows.Scan(&fileID, &tag.ID, &tag.Namespace, &tag.Value); err != nil {
			return fmt.Errorf("タグ行の読み取りに失敗しました: %w", err)
		}
		byID[fileID].Tags = append(byID[fileID].Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("タグの走査に失敗しました: %w", err)
	}

	srcRows, err := q.QueryContext(ctx,
		`SELECT fs.file_id, s.id, s.url, s.site, s.status
		 FROM file_sources fs JOIN sources s ON s.id = fs.source_id
		 WHERE fs.file_id = ANY($1)
		 ORDER BY s.url`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var fileID int64
		var src model.Source
		if err := srcRows.Scan(&fileID, &src.ID, &src.URL, &src.Site, &src.Status); err != nil {
			return fmt.Errorf("ソース行の読み取りに失敗しました: %w", err)
		}
		byID[fileID].Sources = append(byID[fileID].Sources, src)
	}
	if err := srcRows.Err(); err != nil {
		return fmt.Errorf("ソースの走査に失敗しました: %w", err)
	}
	return nil
}

// SourceExists はURLがいずれかのファイルのソースとして登録済みかを返す。
func (r *PostgresFileRepo) SourceExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM sources s JOIN file_sources fs ON fs.source_id = s.id
		     WHERE s.url = $1)`,
		url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ソースの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Stats は削除済み以外のファイル数とタグ数を返す。
func (r *PostgresFileRepo) Stats(ctx context.Context) (model.FileStats, error) {
	var stats model.FileStats
	err := r.db.QueryRowContext(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM files WHERE status <> 'deleted'),
		     (SELECT COUNT(*) FROM tags)`,
	).Scan(&stats.Files, &stats.Tags)
	if err != nil {
		return model.FileStats{}, fmt.Errorf("統計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

// compile-time interface check
var _ FileRepository = (*PostgresFileRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/tagvault/internal/model"
)

// PostgresTagRepo はPostgreSQLを使用したタグリポジトリ。
type PostgresTagRepo struct {
	db *sql.DB
}

// NewPostgresTagRepo はPostgresTagRepoを生成する。
func NewPostgresTagRepo(db *sql.DB) *PostgresTagRepo {
	return &PostgresTagRepo{db: db}
}

// likeEscaper はLIKEパターンのメタ文字をエスケープする。
// booruのタグはアンダースコアを多用するため必須。
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchPrefix は値がprefixで始まるタグを付与ファイル数の多い順に返す。
func (r *PostgresTagRepo) SearchPrefix(ctx context.Context, prefix string, limit int) ([]model.Tag, error) {
	pattern := likeEscaper.Replace(prefix) + "%"

	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.namespace, t.value, COUNT(ft.file_id) AS cnt
		 FROM tags t
		 LEFT JOIN file_tags ft ON ft.tag_id = t.id
		 WHERE t.value LIKE $1 ESCAPE '\'
		 GROUP BY t.id
		 ORDER BY cnt DESC, t.value ASC
		 LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("タグ検索に失敗しました: %w", err)
	}
	defer rows.Close()

	tags := make([]model.Tag, 0)
	for rows.Next() {
		var tag model.Tag
		if err := rows.Scan(&tag.ID, &tag.Namespace, &tag.Value, &tag.Count); err != nil {
			return nil, fmt.Errorf("タグ行の読み取りに失敗しました: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タグ検索結果の走査に失敗しました: %w", err)
	}
	return tags, nil
}

// compile-time interface check
var _ TagRepository = (*PostgresTagRepo)(nil)

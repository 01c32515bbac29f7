package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresThreadRepo はPostgreSQLを使用したスレッドリポジトリ。
type PostgresThreadRepo struct {
	db *sql.DB
}

// NewPostgresThreadRepo はPostgresThreadRepoを生成する。
func NewPostgresThreadRepo(db *sql.DB) *PostgresThreadRepo {
	return &PostgresThreadRepo{db: db}
}

// CreateThread は掲示板にスレッドを作成し、スレッドIDを返す。
func (r *PostgresThreadRepo) CreateThread(ctx context.Context, boardID int64, title, body string) (string, error) {
	if boardID <= 0 {
		return "", fmt.Errorf("不正な掲示板IDです: %d", boardID)
	}

	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO threads (id, board_id, title, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, boardID, title, body, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("スレッドの作成に失敗しました: %w", err)
	}
	return id, nil
}

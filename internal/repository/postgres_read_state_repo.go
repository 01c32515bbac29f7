package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresReadStateRepo はPostgreSQLを使用したイベント既読状態リポジトリ。
// event_read_statesに行が存在する場合を既読とみなす。
type PostgresReadStateRepo struct {
	db *sql.DB
}

// NewPostgresReadStateRepo はPostgresReadStateRepoを生成する。
func NewPostgresReadStateRepo(db *sql.DB) *PostgresReadStateRepo {
	return &PostgresReadStateRepo{db: db}
}

// MarkReadForAll は全ユーザーについてイベントを既読にする。
// PK(user_id, event_id)を利用したINSERT ON CONFLICT DO NOTHINGで冪等に処理する。
func (r *PostgresReadStateRepo) MarkReadForAll(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_read_states (user_id, event_id, read_at)
		 SELECT id, $1, $2 FROM users
		 ON CONFLICT (user_id, event_id) DO NOTHING`,
		eventID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkUnreadForAll は全ユーザーについてイベントを未読に戻す。
func (r *PostgresReadStateRepo) MarkUnreadForAll(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM event_read_states WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("未読状態への更新に失敗しました: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/icalsync/internal/model"
)

// PostgresImportRunRepo はPostgreSQLを使用したインポート実行記録リポジトリ。
type PostgresImportRunRepo struct {
	db *sql.DB
}

// NewPostgresImportRunRepo はPostgresImportRunRepoを生成する。
func NewPostgresImportRunRepo(db *sql.DB) *PostgresImportRunRepo {
	return &PostgresImportRunRepo{db: db}
}

// RecordRun は最終実行記録をUPSERTする。
func (r *PostgresImportRunRepo) RecordRun(ctx context.Context, run model.ImportRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_runs (import_source_id, last_run_at, imported, updated, skipped, error_count, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (import_source_id) DO UPDATE
		 SET last_run_at = EXCLUDED.last_run_at,
		     imported = EXCLUDED.imported,
		     updated = EXCLUDED.updated,
		     skipped = EXCLUDED.skipped,
		     error_count = EXCLUDED.error_count,
		     last_error = EXCLUDED.last_error`,
		run.ImportSourceID, run.LastRunAt.UTC(), run.Imported, run.Updated, run.Skipped,
		run.ErrorCount, run.LastError,
	)
	if err != nil {
		return fmt.Errorf("実行記録の保存に失敗しました: %w", err)
	}
	return nil
}

// ListRuns は全インポートの最終実行記録を返す。
func (r *PostgresImportRunRepo) ListRuns(ctx context.Context) ([]*model.ImportRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT import_source_id, last_run_at, imported, updated, skipped, error_count, last_error
		 FROM import_runs ORDER BY import_source_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("実行記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []*model.ImportRun
	for rows.Next() {
		run := &model.ImportRun{}
		if err := rows.Scan(
			&run.ImportSourceID, &run.LastRunAt, &run.Imported, &run.Updated,
			&run.Skipped, &run.ErrorCount, &run.LastError,
		); err != nil {
			return nil, fmt.Errorf("実行記録のスキャンに失敗しました: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行記録の読み取りに失敗しました: %w", err)
	}
	return runs, nil
}

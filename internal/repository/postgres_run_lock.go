package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// unlockTimeout はロック解放クエリのタイムアウト。
const unlockTimeout = 5 * time.Second

// PostgresRunLocker はPostgreSQLのアドバイザリロックを使用した実行ロック。
// セッションレベルのロックのため、専用の接続を確保して保持する。
type PostgresRunLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRunLocker はPostgresRunLockerを生成する。
func NewPostgresRunLocker(db *sql.DB, logger *slog.Logger) *PostgresRunLocker {
	return &PostgresRunLocker{db: db, logger: logger}
}

// LockKey はインポートIDからアドバイザリロックのキー文字列を生成する。
func LockKey(importID string) string {
	return "icalsync:import:" + importID
}

// TryLock はpg_try_advisory_lockでロック取得を試みる。
func (l *PostgresRunLocker) TryLock(ctx context.Context, importID string) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ロック用接続の取得に失敗しました: %w", err)
	}

	key := LockKey(importID)

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("アドバイザリロックの取得に失敗しました: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			l.logger.Error("アドバイザリロックの解放に失敗しました",
				slog.String("import_id", importID),
				slog.String("error", err.Error()),
			)
		}
		conn.Close()
	}
	return unlock, true, nil
}

package repository

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/hitoshi/icalsync/internal/database"
	"github.com/hitoshi/icalsync/internal/model"
)

// TestPostgresRepos_ImplementInterfaces は各Postgres実装がインターフェースを満たすことを検証する。
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	// コンパイル時チェック
	var _ EventStore = (*PostgresEventRepo)(nil)
	var _ RepairRepository = (*PostgresEventRepo)(nil)
	var _ ReadStateRepository = (*PostgresReadStateRepo)(nil)
	var _ ThreadRepository = (*PostgresThreadRepo)(nil)
	var _ ImportRunRepository = (*PostgresImportRunRepo)(nil)
	var _ RunLocker = (*PostgresRunLocker)(nil)
}

func TestLockKey(t *testing.T) {
	if got := LockKey("mainz"); got != "icalsync:import:mainz" {
		t.Errorf("LockKey = %q", got)
	}
	if LockKey("a") == LockKey("b") {
		t.Error("異なるインポートIDは異なるキーになるべき")
	}
}

func TestThreadRepo_RejectsInvalidBoard(t *testing.T) {
	repo := NewPostgresThreadRepo(nil)
	if _, err := repo.CreateThread(context.Background(), 0, "title", "body"); err == nil {
		t.Error("board_id <= 0 はエラーになるべき")
	}
}

// setupTestDB はマイグレーション適用済みのテスト用データベースを返す。
// TEST_DATABASE_URL が未設定、または接続できない場合はスキップする。
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE events, event_uid_mappings, users, event_read_states, threads, import_runs CASCADE`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresEventRepo_CreateFindAndRemap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewPostgresEventRepo(db)

	start := time.Date(2026, 1, 20, 18, 30, 0, 0, time.UTC)
	id, err := repo.CreateEvent(ctx, model.EventFields{
		ImportSourceID: "src",
		Subject:        "Mainz 05 vs Bayern",
		Location:       "Mewa Arena",
		StartAt:        start,
		Timezone:       "UTC",
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if err := repo.CreateUidMapping(ctx, id, "uid-1", "src"); err != nil {
		t.Fatalf("CreateUidMapping: %v", err)
	}
	m, err := repo.FindMappingByUid(ctx, "uid-1")
	if err != nil || m == nil || m.EventID != id {
		t.Fatalf("FindMappingByUid = (%+v, %v)", m, err)
	}

	near, err := repo.FindEventsNear(ctx, start.Add(30*time.Minute), 30*time.Minute)
	if err != nil || len(near) != 1 {
		t.Fatalf("FindEventsNear(+30m) = (%d, %v), want 1", len(near), err)
	}
	near, _ = repo.FindEventsNear(ctx, start.Add(31*time.Minute), 30*time.Minute)
	if len(near) != 0 {
		t.Errorf("FindEventsNear(+31m) = %d, want 0", len(near))
	}

	if err := repo.RemapUid(ctx, id, "uid-2", "src"); err != nil {
		t.Fatalf("RemapUid: %v", err)
	}
	if old, _ := repo.FindMappingByUid(ctx, "uid-1"); old != nil {
		t.Error("付け替え後に旧UIDのマッピングが残っています")
	}
	if m, _ := repo.FindMappingByUid(ctx, "uid-2"); m == nil || m.EventID != id {
		t.Error("新UIDのマッピングが見つかりません")
	}

	if err := repo.UpdateEvent(ctx, "00000000-0000-0000-0000-000000000000", model.EventFields{StartAt: start}); err == nil {
		t.Error("存在しないイベントの更新はエラーになるべき")
	}
}

func TestPostgresReadStateRepo_MarkReadAndUnread(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO users (id, name) VALUES
		('aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa', 'a'),
		('bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb', 'b')`); err != nil {
		t.Fatalf("ユーザー挿入に失敗: %v", err)
	}
	id, err := NewPostgresEventRepo(db).CreateEvent(ctx, model.EventFields{ImportSourceID: "src", StartAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	repo := NewPostgresReadStateRepo(db)
	for i := 0; i < 2; i++ {
		if err := repo.MarkReadForAll(ctx, id); err != nil {
			t.Fatalf("MarkReadForAll: %v", err)
		}
	}

	var count int
	db.QueryRow(`SELECT count(*) FROM event_read_states WHERE event_id = $1`, id).Scan(&count)
	if count != 2 {
		t.Errorf("既読行数 = %d, want 2", count)
	}

	if err := repo.MarkUnreadForAll(ctx, id); err != nil {
		t.Fatalf("MarkUnreadForAll: %v", err)
	}
	db.QueryRow(`SELECT count(*) FROM event_read_states WHERE event_id = $1`, id).Scan(&count)
	if count != 0 {
		t.Errorf("未読化後の既読行数 = %d, want 0", count)
	}
}

func TestPostgresRunLocker_Exclusive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	locker := NewPostgresRunLocker(db, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	unlock, ok, err := locker.TryLock(ctx, "mainz")
	if err != nil || !ok {
		t.Fatalf("1回目のTryLock = (%v, %v)", ok, err)
	}

	if _, ok2, _ := locker.TryLock(ctx, "mainz"); ok2 {
		t.Error("保持中のロックを再取得できてしまいました")
	}

	unlock()

	unlock3, ok3, err := locker.TryLock(ctx, "mainz")
	if err != nil || !ok3 {
		t.Fatalf("解放後のTryLock = (%v, %v)", ok3, err)
	}
	unlock3()
}

func TestPostgresImportRunRepo_RecordAndList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewPostgresImportRunRepo(db)

	run := model.ImportRun{ImportSourceID: "src", LastRunAt: time.Now(), Imported: 3}
	if err := repo.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	run.Imported = 0
	run.Updated = 3
	if err := repo.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun (2回目): %v", err)
	}

	runs, err := repo.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Updated != 3 || runs[0].Imported != 0 {
		t.Errorf("runs = %+v", runs)
	}
}

// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/icalsync/internal/model"
)

// EventStore はインポートしたイベントとUIDマッピングの永続化インターフェース。
// 同期エンジンと同一性判定が使用する。
type EventStore interface {
	// FindMappingByUid はUIDに対応するマッピングを取得する。見つからない場合はnilを返す。
	FindMappingByUid(ctx context.Context, uid string) (*model.UidMapping, error)

	// FindEventsNear は開始日時がstart±window（境界を含む）の無効化されていない
	// イベントを作成順に返す。
	FindEventsNear(ctx context.Context, start time.Time, window time.Duration) ([]*model.StoredEvent, error)

	// CreateEvent はイベントを作成し、採番したイベントIDを返す。
	CreateEvent(ctx context.Context, fields model.EventFields) (string, error)

	// UpdateEvent は既存イベントの可変フィールドを上書き更新する。
	// 対象が存在しない場合はエラーを返す。
	UpdateEvent(ctx context.Context, eventID string, fields model.EventFields) error

	// CreateUidMapping はUIDマッピングを作成する。
	// UIDまたはイベントIDが既に対応付け済みの場合は一意制約違反のエラーを返す。
	CreateUidMapping(ctx context.Context, eventID, uid, importSourceID string) error

	// TouchUidMapping はマッピングのlast_updatedを現在時刻に更新する。
	TouchUidMapping(ctx context.Context, eventID string) error

	// RemapUid はイベントのUIDマッピングを作成、または別UIDから付け替える。
	RemapUid(ctx context.Context, eventID, uid, importSourceID string) error
}

// RepairRepository は二重オフセット修復バッチのためのイベント操作インターフェース。
type RepairRepository interface {
	// ListRepairCandidates は修復対象になりうるイベント（終日でなく、
	// タイムゾーンと保存前開始日時が記録されているもの）を返す。
	// importSourceIDが空の場合は全インポートを対象とする。
	ListRepairCandidates(ctx context.Context, importSourceID string) ([]*model.StoredEvent, error)

	// UpdateEventTimes はイベントの開始・終了日時のみを更新する。
	UpdateEventTimes(ctx context.Context, eventID string, start time.Time, end *time.Time) error
}

// ReadStateRepository はユーザーごとのイベント既読状態の永続化インターフェース。
type ReadStateRepository interface {
	// MarkReadForAll は全ユーザーについてイベントを既読にする。冪等。
	MarkReadForAll(ctx context.Context, eventID string) error

	// MarkUnreadForAll は全ユーザーについてイベントを未読に戻す。冪等。
	MarkUnreadForAll(ctx context.Context, eventID string) error
}

// ThreadRepository はディスカッションスレッドの永続化インターフェース。
type ThreadRepository interface {
	// CreateThread は掲示板にスレッドを作成し、スレッドIDを返す。
	CreateThread(ctx context.Context, boardID int64, title, body string) (string, error)
}

// ImportRunRepository はインポート定義ごとの最終実行記録の永続化インターフェース。
type ImportRunRepository interface {
	// RecordRun は最終実行記録をUPSERTする。
	RecordRun(ctx context.Context, run model.ImportRun) error

	// ListRuns は全インポートの最終実行記録を返す。
	ListRuns(ctx context.Context) ([]*model.ImportRun, error)
}

// RunLocker はインポート単位の実行ロック。
type RunLocker interface {
	// TryLock はロックの取得を試みる。取得できた場合は解放関数とtrueを返す。
	// 他の実行がロックを保持している場合はfalseを返す（待機しない）。
	TryLock(ctx context.Context, importID string) (unlock func(), ok bool, err error)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/icalsync/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用したイベントストア。
// eventsテーブルとevent_uid_mappingsテーブルを扱う。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

const eventColumns = `id, import_source_id, category_id, subject, body, location,
	start_at, end_at, all_day, timezone, original_start, disabled, created_at, updated_at`

// FindMappingByUid はUIDに対応するマッピングを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindMappingByUid(ctx context.Context, uid string) (*model.UidMapping, error) {
	m := &model.UidMapping{}
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, ical_uid, import_source_id, last_updated
		 FROM event_uid_mappings WHERE ical_uid = $1`,
		uid,
	).Scan(&m.EventID, &m.IcalUID, &m.ImportSourceID, &m.LastUpdated)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UIDマッピングの取得に失敗しました: %w", err)
	}
	return m, nil
}

// FindEventsNear は開始日時がstart±windowの有効なイベントを作成順に返す。
func (r *PostgresEventRepo) FindEventsNear(ctx context.Context, start time.Time, window time.Duration) ([]*model.StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE disabled = false AND start_at BETWEEN $1 AND $2
		 ORDER BY created_at, id`,
		start.Add(-window).UTC(), start.Add(window).UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("近傍イベントの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CreateEvent はイベントを作成し、採番したイベントIDを返す。
func (r *PostgresEventRepo) CreateEvent(ctx context.Context, fields model.EventFields) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, import_source_id, category_id, subject, body, location,
		                     start_at, end_at, all_day, timezone, original_start, disabled,
		                     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, $12, $12)`,
		id, fields.ImportSourceID, fields.CategoryID, fields.Subject, fields.Body, fields.Location,
		fields.StartAt, nullTime(fields.EndAt), fields.AllDay, fields.Timezone,
		nullTime(fields.OriginalStart), now,
	)
	if err != nil {
		return "", fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}
	return id, nil
}

// UpdateEvent は既存イベントの可変フィールドを上書き更新する。
func (r *PostgresEventRepo) UpdateEvent(ctx context.Context, eventID string, fields model.EventFields) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE events
		 SET category_id = $2, subject = $3, body = $4, location = $5,
		     start_at = $6, end_at = $7, all_day = $8, timezone = $9, original_start = $10,
		     updated_at = $11
		 WHERE id = $1`,
		eventID, fields.CategoryID, fields.Subject, fields.Body, fields.Location,
		fields.StartAt, nullTime(fields.EndAt), fields.AllDay, fields.Timezone,
		nullTime(fields.OriginalStart), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("イベントの更新に失敗しました: %w", err)
	}
	return expectOneRow(result, "イベント", eventID)
}

// CreateUidMapping はUIDマッピングを作成する。
func (r *PostgresEventRepo) CreateUidMapping(ctx context.Context, eventID, uid, importSourceID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_uid_mappings (event_id, ical_uid, import_source_id, last_updated)
		 VALUES ($1, $2, $3, $4)`,
		eventID, uid, importSourceID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("UIDマッピングの作成に失敗しました: %w", err)
	}
	return nil
}

// TouchUidMapping はマッピングのlast_updatedを現在時刻に更新する。
func (r *PostgresEventRepo) TouchUidMapping(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE event_uid_mappings SET last_updated = $2 WHERE event_id = $1`,
		eventID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("UIDマッピングの更新に失敗しました: %w", err)
	}
	return nil
}

// RemapUid はイベントのUIDマッピングを作成、または新しいUIDへ付け替える。
// event_idの一意制約を利用したINSERT ON CONFLICTで実装する。
func (r *PostgresEventRepo) RemapUid(ctx context.Context, eventID, uid, importSourceID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_uid_mappings (event_id, ical_uid, import_source_id, last_updated)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO UPDATE
		 SET ical_uid = EXCLUDED.ical_uid,
		     import_source_id = EXCLUDED.import_source_id,
		     last_updated = EXCLUDED.last_updated`,
		eventID, uid, importSourceID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("UIDマッピングの付け替えに失敗しました: %w", err)
	}
	return nil
}

// ListRepairCandidates は二重オフセット修復の対象になりうるイベントを返す。
func (r *PostgresEventRepo) ListRepairCandidates(ctx context.Context, importSourceID string) ([]*model.StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE all_day = false
		   AND original_start IS NOT NULL
		   AND timezone <> ''
		   AND ($1::text = '' OR import_source_id = $1)
		 ORDER BY created_at, id`,
		importSourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("修復候補イベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// UpdateEventTimes はイベントの開始・終了日時のみを更新する。
func (r *PostgresEventRepo) UpdateEventTimes(ctx context.Context, eventID string, start time.Time, end *time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE events SET start_at = $2, end_at = $3, updated_at = $4 WHERE id = $1`,
		eventID, start, nullTime(end), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("イベント日時の更新に失敗しました: %w", err)
	}
	return expectOneRow(result, "イベント", eventID)
}

// scanEvents はeventColumnsの順で取得した行をStoredEventに変換する。
func scanEvents(rows *sql.Rows) ([]*model.StoredEvent, error) {
	var events []*model.StoredEvent
	for rows.Next() {
		ev := &model.StoredEvent{}
		var endAt, originalStart sql.NullTime

		if err := rows.Scan(
			&ev.ID, &ev.ImportSourceID, &ev.CategoryID, &ev.Subject, &ev.Body, &ev.Location,
			&ev.StartAt, &endAt, &ev.AllDay, &ev.Timezone, &originalStart, &ev.Disabled,
			&ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("イベント行のスキャンに失敗しました: %w", err)
		}

		if endAt.Valid {
			ev.EndAt = &endAt.Time
		}
		if originalStart.Valid {
			ev.OriginalStart = &originalStart.Time
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント行の読み取りに失敗しました: %w", err)
	}
	return events, nil
}

// nullTime は*time.TimeをSQLパラメータに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// expectOneRow は更新対象が存在したかを確認する。
func expectOneRow(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%sが見つかりません: %s", entity, id)
	}
	return nil
}

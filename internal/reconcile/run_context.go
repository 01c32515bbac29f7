package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/icalsync/internal/model"
)

// RunContext は1回の同期実行の状態を保持する。
// 実行ごとに生成され、実行をまたいで共有しない。
type RunContext struct {
	RunID     string
	Config    model.ImportConfig
	StartedAt time.Time

	imported int
	updated  int
	skipped  int
	errors   []string
	logs     []model.LogEntry

	// processedUIDs は同一実行内で処理済みのUID。
	processedUIDs map[string]struct{}
	// claimed は同一実行内でUIDに対応付けたイベントID→UID。
	claimed map[string]string

	logger *slog.Logger
	now    func() time.Time
}

func newRunContext(cfg model.ImportConfig, logger *slog.Logger, now func() time.Time) *RunContext {
	runID := uuid.New().String()
	return &RunContext{
		RunID:         runID,
		Config:        cfg,
		StartedAt:     now(),
		errors:        []string{},
		processedUIDs: make(map[string]struct{}),
		claimed:       make(map[string]string),
		logger: logger.With(
			slog.String("import_id", cfg.ID),
			slog.String("run_id", runID),
		),
		now: now,
	}
}

// seen はUIDがこの実行で処理済みかを返し、未処理なら処理済みとして記録する。
func (rc *RunContext) seen(uid string) bool {
	if _, ok := rc.processedUIDs[uid]; ok {
		return true
	}
	rc.processedUIDs[uid] = struct{}{}
	return false
}

// claim はイベントIDをUIDに対応付け済みとして記録する。
func (rc *RunContext) claim(eventID, uid string) {
	if uid != "" {
		rc.claimed[eventID] = uid
	}
}

// fail は実行を中断するエラーを記録する。
func (rc *RunContext) fail(err error) {
	rc.errors = append(rc.errors, err.Error())
	rc.log(model.LogLevelError, "同期を中断しました: "+err.Error(), "")
}

// skip はイベント単位の失敗を記録し、skippedに計上する。
func (rc *RunContext) skip(uid, msg string, err error) {
	rc.skipped++
	if err != nil {
		msg += ": " + err.Error()
	}
	rc.log(model.LogLevelError, msg, uid)
}

// log はインポートのログレベルを満たすエントリを記録し、slogへ転送する。
func (rc *RunContext) log(level model.LogLevel, msg, uid string) {
	if !rc.Config.LogLevel.Enables(level) {
		return
	}

	rc.logs = append(rc.logs, model.LogEntry{
		Time:    rc.now(),
		Level:   level,
		Message: msg,
		UID:     uid,
	})

	attrs := []any{}
	if uid != "" {
		attrs = append(attrs, slog.String("uid", uid))
	}
	rc.logger.Log(context.Background(), slogLevel(level), msg, attrs...)
}

// summary は現在の集計からRunSummaryを生成する。
func (rc *RunContext) summary(finishedAt time.Time) model.RunSummary {
	return model.RunSummary{
		RunID:          rc.RunID,
		ImportSourceID: rc.Config.ID,
		Imported:       rc.imported,
		Updated:        rc.updated,
		Skipped:        rc.skipped,
		Errors:         rc.errors,
		Logs:           rc.logs,
		StartedAt:      rc.StartedAt,
		FinishedAt:     finishedAt,
	}
}

func slogLevel(level model.LogLevel) slog.Level {
	switch level {
	case model.LogLevelError:
		return slog.LevelError
	case model.LogLevelWarning:
		return slog.LevelWarn
	case model.LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

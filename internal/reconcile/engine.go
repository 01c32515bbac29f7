// Package reconcile はICSフィードとイベントストアの同期処理を提供する。
//
// 1回の実行は フェッチ → パース → 重複排除 → イベントごとの同一性判定と作成/更新 → 実行記録
// の順に逐次処理する。フェッチ失敗のみが実行を中断し、イベント単位の失敗はskippedに計上する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/icalsync/internal/ics"
	"github.com/hitoshi/icalsync/internal/metrics"
	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/repository"
	"github.com/hitoshi/icalsync/internal/resolve"
	"github.com/hitoshi/icalsync/internal/security"
	"github.com/hitoshi/icalsync/internal/timezone"
	"github.com/hitoshi/icalsync/internal/worker/fetch"
)

// finalizeTimeout は実行記録保存のタイムアウト。
const finalizeTimeout = 5 * time.Second

// ErrRunInProgress は同一インポートの実行が既に進行中であることを表す。
var ErrRunInProgress = errors.New("同一インポートの同期が実行中です")

// FeedFetcher はICSフィード取得のインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) (*model.RawFeedDocument, error)
}

// Deps はEngineの依存コンポーネント。
// Locker、Sanitizer、Metricsは省略可能。
type Deps struct {
	Fetcher    FeedFetcher
	Events     repository.EventStore
	ReadStates repository.ReadStateRepository
	Threads    repository.ThreadRepository
	Runs       repository.ImportRunRepository
	Locker     repository.RunLocker
	Sanitizer  security.ContentSanitizerService
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Engine はインポート定義1件分の同期を実行する。
type Engine struct {
	fetcher    FeedFetcher
	parser     *ics.Parser
	resolver   *resolve.Resolver
	events     repository.EventStore
	readStates repository.ReadStateRepository
	threads    repository.ThreadRepository
	runs       repository.ImportRunRepository
	locker     repository.RunLocker
	sanitizer  security.ContentSanitizerService
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewContentSanitizer()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	return &Engine{
		fetcher:    deps.Fetcher,
		parser:     ics.NewParser(logger),
		resolver:   resolve.NewResolver(deps.Events),
		events:     deps.Events,
		readStates: deps.ReadStates,
		threads:    deps.Threads,
		runs:       deps.Runs,
		locker:     deps.Locker,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		now:        time.Now,
	}
}

// TryRun は実行ロックを取得してRunを実行する。
// ロックが取得できない場合はErrRunInProgressを返す。Lockerが未設定の場合はロックしない。
func (e *Engine) TryRun(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error) {
	if e.locker == nil {
		return e.Run(ctx, cfg), nil
	}

	unlock, ok, err := e.locker.TryLock(ctx, cfg.ID)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("実行ロックの取得に失敗: %w", err)
	}
	if !ok {
		e.metrics.RecordRun(cfg.ID, metrics.ResultLocked)
		e.logger.Warn("同期が実行中のためスキップしました",
			slog.String("import_id", cfg.ID),
		)
		return model.RunSummary{}, ErrRunInProgress
	}
	defer unlock()

	return e.Run(ctx, cfg), nil
}

// Run は1回の同期を実行し、結果を返す。
// イベント0件やフェッチ失敗の場合も実行記録を保存する。
func (e *Engine) Run(ctx context.Context, cfg model.ImportConfig) model.RunSummary {
	rc := newRunContext(cfg, e.logger, e.now)
	rc.log(model.LogLevelInfo, "同期を開始します", "")

	fetchStart := time.Now()
	doc, err := e.fetcher.Fetch(ctx, cfg.FeedURL, fetch.Options{
		Timeout:            cfg.FetchTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	e.metrics.RecordFetchLatency(time.Since(fetchStart))
	if err != nil {
		kind, ok := model.IsFetchError(err)
		if !ok {
			kind = model.FetchUnreachable
		}
		e.metrics.RecordFetchFailure(cfg.ID, string(kind))
		rc.fail(err)
		return e.finalize(ctx, rc)
	}
	if doc.UsedFallback {
		rc.log(model.LogLevelWarning, "フォールバッククライアントで取得しました", "")
	}
	if doc.Truncated {
		rc.log(model.LogLevelWarning, fmt.Sprintf("フィードが上限サイズを超えたため末尾を切り詰めました (取り込み %dバイト)", len(doc.Body)), "")
	}

	parsed, warnings := e.parser.Parse(*doc)
	for _, w := range warnings {
		rc.log(model.LogLevelDebug, fmt.Sprintf("VEVENTを破棄しました (%d行目): %s", w.Line, w.Reason), w.UID)
	}
	e.metrics.RecordParseWarnings(len(warnings))

	events := resolve.Deduplicate(parsed)
	if dropped := len(parsed) - len(events); dropped > 0 {
		rc.log(model.LogLevelDebug, fmt.Sprintf("重複UIDのイベントを%d件除外しました", dropped), "")
	}

	if len(events) > cfg.MaxEvents {
		rc.log(model.LogLevelInfo, fmt.Sprintf("処理件数を上限の%d件に制限します（全%d件）", cfg.MaxEvents, len(events)), "")
		events = events[:cfg.MaxEvents]
	}

	for _, ev := range events {
		e.processEvent(ctx, rc, ev)
	}

	return e.finalize(ctx, rc)
}

// processEvent はイベント1件を同一性判定し、作成または更新する。
func (e *Engine) processEvent(ctx context.Context, rc *RunContext, ev model.ParsedEvent) {
	if ev.UID != "" && rc.seen(ev.UID) {
		rc.skipped++
		rc.log(model.LogLevelDebug, "同一実行内で処理済みのUIDのためスキップしました", ev.UID)
		return
	}

	ev, converted := timezone.NormalizeIncoming(ev, rc.Config.TargetTimezone, rc.Config.ConvertTimezone)

	match, err := e.resolver.Resolve(ctx, ev, rc.claimed)
	if err != nil {
		rc.skip(ev.UID, "同一性判定に失敗しました", err)
		return
	}

	fields := e.buildFields(rc.Config, ev, converted)
	if match == nil {
		e.create(ctx, rc, ev, fields)
		return
	}
	e.update(ctx, rc, ev, match, fields)
}

// create は新規イベントを作成し、UIDマッピング・既読状態・スレッドを処理する。
func (e *Engine) create(ctx context.Context, rc *RunContext, ev model.ParsedEvent, fields model.EventFields) {
	eventID, err := e.events.CreateEvent(ctx, fields)
	if err != nil {
		rc.skip(ev.UID, "イベントの作成に失敗しました", err)
		return
	}

	if ev.UID != "" {
		if err := e.events.CreateUidMapping(ctx, eventID, ev.UID, rc.Config.ID); err != nil {
			rc.skip(ev.UID, "UIDマッピングの作成に失敗しました", err)
			return
		}
		rc.claim(eventID, ev.UID)
	}

	rc.imported++
	rc.log(model.LogLevelInfo, "イベントを作成しました: "+fields.Subject, ev.UID)

	// 未来のイベントは既読行を持たないため未読のまま
	if rc.Config.AutoMarkPastRead && e.isPast(ev) {
		if err := e.readStates.MarkReadForAll(ctx, eventID); err != nil {
			rc.log(model.LogLevelWarning, "既読状態の更新に失敗しました: "+err.Error(), ev.UID)
		}
	}

	if rc.Config.ThreadsEnabled() {
		threadID, err := e.threads.CreateThread(ctx, rc.Config.BoardID, fields.Subject, fields.Body)
		if err != nil {
			rc.log(model.LogLevelWarning, "スレッドの作成に失敗しました: "+err.Error(), ev.UID)
			return
		}
		rc.log(model.LogLevelDebug, "スレッドを作成しました: "+threadID, ev.UID)
	}
}

// update は既存イベントを更新し、UIDマッピングと既読状態を処理する。
func (e *Engine) update(ctx context.Context, rc *RunContext, ev model.ParsedEvent, match *resolve.Match, fields model.EventFields) {
	if err := e.events.UpdateEvent(ctx, match.EventID, fields); err != nil {
		rc.skip(ev.UID, "イベントの更新に失敗しました", err)
		return
	}

	if match.Fallback() {
		if err := e.events.RemapUid(ctx, match.EventID, ev.UID, rc.Config.ID); err != nil {
			rc.log(model.LogLevelWarning, "UIDマッピングの付け替えに失敗しました: "+err.Error(), ev.UID)
		} else {
			rc.log(model.LogLevelInfo, fmt.Sprintf("UID以外の一致（%s）で既存イベントに対応付けました", match.Kind), ev.UID)
		}
	} else if err := e.events.TouchUidMapping(ctx, match.EventID); err != nil {
		rc.log(model.LogLevelWarning, "UIDマッピングの更新に失敗しました: "+err.Error(), ev.UID)
	}
	rc.claim(match.EventID, ev.UID)

	rc.updated++
	rc.log(model.LogLevelDebug, "イベントを更新しました: "+fields.Subject, ev.UID)

	if rc.Config.MarkUpdatedUnread {
		if err := e.readStates.MarkUnreadForAll(ctx, match.EventID); err != nil {
			rc.log(model.LogLevelWarning, "未読状態への更新に失敗しました: "+err.Error(), ev.UID)
		}
	}
}

// buildFields はパース結果をストアへ渡すフィールドに変換する。
func (e *Engine) buildFields(cfg model.ImportConfig, ev model.ParsedEvent, converted bool) model.EventFields {
	tz := ev.SourceTimezone
	if converted {
		tz = timezone.CanonicalName(cfg.TargetTimezone)
	}

	fields := model.EventFields{
		ImportSourceID: cfg.ID,
		CategoryID:     cfg.CategoryID,
		Subject:        ev.Summary,
		Body:           e.sanitizer.Sanitize(ev.Description),
		Location:       ev.Location,
		EndAt:          ev.End,
		AllDay:         ev.AllDay,
		Timezone:       tz,
	}
	if ev.Start != nil {
		start := *ev.Start
		fields.StartAt = start
		fields.OriginalStart = &start
	}
	return fields
}

// isPast はイベントが現在時刻より前に終了しているかを返す。
// 終了日時が無い場合は開始日時で判定する。
func (e *Engine) isPast(ev model.ParsedEvent) bool {
	ref := ev.Start
	if ev.End != nil {
		ref = ev.End
	}
	return ref != nil && ref.Before(e.now())
}

// finalize は実行記録を保存し、メトリクスを記録してサマリーを返す。
func (e *Engine) finalize(ctx context.Context, rc *RunContext) model.RunSummary {
	finishedAt := e.now()
	summary := rc.summary(finishedAt)

	run := model.ImportRun{
		ImportSourceID: rc.Config.ID,
		LastRunAt:      finishedAt,
		Imported:       summary.Imported,
		Updated:        summary.Updated,
		Skipped:        summary.Skipped,
		ErrorCount:     len(summary.Errors),
	}
	if n := len(summary.Errors); n > 0 {
		run.LastError = summary.Errors[n-1]
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := e.runs.RecordRun(recordCtx, run); err != nil {
		e.logger.Error("実行記録の保存に失敗しました",
			slog.String("import_id", rc.Config.ID),
			slog.String("run_id", rc.RunID),
			slog.String("error", err.Error()),
		)
	}

	result := metrics.ResultSuccess
	if summary.Failed() {
		result = metrics.ResultFailed
	}
	e.metrics.RecordRun(rc.Config.ID, result)
	e.metrics.RecordEvents(rc.Config.ID, summary.Imported, summary.Updated, summary.Skipped)

	e.logger.Info("同期が完了しました",
		slog.String("import_id", rc.Config.ID),
		slog.String("run_id", rc.RunID),
		slog.Int("imported", summary.Imported),
		slog.Int("updated", summary.Updated),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", len(summary.Errors)),
		slog.Float64("duration_ms", float64(finishedAt.Sub(rc.StartedAt).Milliseconds())),
	)
	return summary
}

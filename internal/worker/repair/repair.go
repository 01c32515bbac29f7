// Package repair は保存済みイベントの二重オフセットを一括補正するジョブを提供する。
// 補正は冪等で、補正済みのイベントは再度対象にならない。
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/icalsync/internal/metrics"
	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/repository"
	"github.com/hitoshi/icalsync/internal/timezone"
)

// ErrRepairInProgress は対象インポートの同期または修復が実行中であることを表す。
var ErrRepairInProgress = errors.New("同一インポートの同期または修復が実行中です")

// RepairJob は二重オフセットの検出と補正を行うバッチジョブ。
// 補正中は同期と同じインポート単位の実行ロックを保持する。
type RepairJob struct {
	repo    repository.RepairRepository
	locker  repository.RunLocker
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewRepairJob は新しいRepairJobを生成する。
// lockerがnilの場合はロックせず、collectorがnilの場合は記録しない。
func NewRepairJob(repo repository.RepairRepository, locker repository.RunLocker, collector metrics.MetricsCollector, logger *slog.Logger) *RepairJob {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &RepairJob{
		repo:    repo,
		locker:  locker,
		metrics: collector,
		logger:  logger,
	}
}

// Run は候補イベントを走査し、二重オフセットを補正する。
// importSourceIDが空の場合は全インポートが対象。dryRunの場合は検出のみ行い更新しない。
// 個別イベントの更新失敗はFailedに計上し、処理を継続する。
// 指定インポートのロックが取得できない場合はErrRepairInProgressを返す。
// 全インポート対象の場合、ロック中のインポートはSkippedに計上して飛ばす。
func (j *RepairJob) Run(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error) {
	start := time.Now()
	summary := model.RepairSummary{ImportSourceID: importSourceID, DryRun: dryRun}

	if importSourceID != "" {
		unlock, ok, err := j.tryLock(ctx, importSourceID)
		if err != nil {
			return summary, err
		}
		if !ok {
			j.logger.Warn("同期または修復が実行中のため修復をスキップしました",
				slog.String("import_id", importSourceID),
			)
			return summary, ErrRepairInProgress
		}
		defer unlock()

		candidates, err := j.listCandidates(ctx, importSourceID)
		if err != nil {
			return summary, err
		}
		j.repairEvents(ctx, candidates, dryRun, &summary)
	} else {
		candidates, err := j.listCandidates(ctx, "")
		if err != nil {
			return summary, err
		}
		for _, group := range groupByImport(candidates) {
			if err := j.repairImport(ctx, group, dryRun, &summary); err != nil {
				return summary, err
			}
		}
	}

	if !dryRun {
		j.metrics.RecordRepaired(summary.Repaired)
	}

	j.logger.Info("二重オフセット修復ジョブが完了しました",
		slog.String("import_id", importSourceID),
		slog.Int("scanned_count", summary.Scanned),
		slog.Int("repaired_count", summary.Repaired),
		slog.Int("failed_count", summary.Failed),
		slog.Int("skipped_count", summary.Skipped),
		slog.Bool("dry_run", dryRun),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary, nil
}

// importGroup は1インポート分の修復候補。
type importGroup struct {
	importID string
	count    int
}

// groupByImport は候補をインポート単位にまとめる。順序は最初に現れた順。
func groupByImport(candidates []*model.StoredEvent) []importGroup {
	index := make(map[string]int)
	var groups []importGroup
	for _, ev := range candidates {
		i, ok := index[ev.ImportSourceID]
		if !ok {
			i = len(groups)
			index[ev.ImportSourceID] = i
			groups = append(groups, importGroup{importID: ev.ImportSourceID})
		}
		groups[i].count++
	}
	return groups
}

// repairImport はロックを取得したうえで1インポート分の候補を取り直して補正する。
// ロック待ちの間に同期で時刻が更新されている可能性があるため、候補はロック取得後に再取得する。
func (j *RepairJob) repairImport(ctx context.Context, group importGroup, dryRun bool, summary *model.RepairSummary) error {
	unlock, ok, err := j.tryLock(ctx, group.importID)
	if err != nil {
		return err
	}
	if !ok {
		summary.Skipped += group.count
		j.logger.Warn("同期または修復が実行中のためインポートの修復をスキップしました",
			slog.String("import_id", group.importID),
			slog.Int("candidate_count", group.count),
		)
		return nil
	}
	defer unlock()

	candidates, err := j.listCandidates(ctx, group.importID)
	if err != nil {
		return err
	}
	j.repairEvents(ctx, candidates, dryRun, summary)
	return nil
}

func (j *RepairJob) tryLock(ctx context.Context, importID string) (func(), bool, error) {
	if j.locker == nil {
		return func() {}, true, nil
	}
	unlock, ok, err := j.locker.TryLock(ctx, importID)
	if err != nil {
		j.logger.Error("修復の実行ロック取得に失敗しました",
			slog.String("import_id", importID),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("実行ロックの取得に失敗: %w", err)
	}
	return unlock, ok, nil
}

func (j *RepairJob) listCandidates(ctx context.Context, importSourceID string) ([]*model.StoredEvent, error) {
	candidates, err := j.repo.ListRepairCandidates(ctx, importSourceID)
	if err != nil {
		j.logger.Error("二重オフセット修復の対象取得に失敗しました",
			slog.String("import_id", importSourceID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("修復対象の取得に失敗: %w", err)
	}
	return candidates, nil
}

// repairEvents は候補ごとに二重オフセットを検出し、補正する。
func (j *RepairJob) repairEvents(ctx context.Context, candidates []*model.StoredEvent, dryRun bool, summary *model.RepairSummary) {
	for _, ev := range candidates {
		summary.Scanned++

		fixed, changed := timezone.DetectAndFixDoubleOffset(*ev)
		if !changed {
			continue
		}

		if dryRun {
			summary.Repaired++
			j.logger.Info("二重オフセットを検出しました（dry-run）",
				slog.String("event_id", ev.ID),
				slog.Time("stored_start", ev.StartAt),
				slog.Time("fixed_start", fixed.StartAt),
			)
			continue
		}

		if err := j.repo.UpdateEventTimes(ctx, ev.ID, fixed.StartAt, fixed.EndAt); err != nil {
			summary.Failed++
			j.logger.Error("二重オフセットの補正に失敗しました",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Repaired++
		j.logger.Info("二重オフセットを補正しました",
			slog.String("event_id", ev.ID),
			slog.String("timezone", ev.Timezone),
			slog.Time("fixed_start", fixed.StartAt),
		)
	}
}

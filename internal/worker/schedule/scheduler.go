// Package schedule はインポート定義ごとの同期実行をcron式でスケジューリングする。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/reconcile"
)

// デフォルト値
const (
	DefaultSchedule       = "*/15 * * * *"
	DefaultMaxConcurrency = 2
)

// Runner は同期実行のインターフェース。
type Runner interface {
	TryRun(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error)
}

// Options はSchedulerの動作設定。
type Options struct {
	// DefaultSchedule はscheduleを持たないインポートに適用するcron式。
	DefaultSchedule string
	// MaxConcurrency は同時に実行する同期の最大数。
	MaxConcurrency int
	// FetchesPerMinute は1分あたりに開始するフェッチの上限。0以下で無制限。
	FetchesPerMinute int
}

// Scheduler はcron式に従って同期を起動し、並列数とフェッチ頻度を制御する。
type Scheduler struct {
	runner          Runner
	imports         []model.ImportConfig
	logger          *slog.Logger
	defaultSchedule string
	limiter         *rate.Limiter
	sem             chan struct{}
	cron            *cron.Cron
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値2を使用する。
func NewScheduler(runner Runner, imports []model.ImportConfig, logger *slog.Logger, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.DefaultSchedule == "" {
		opts.DefaultSchedule = DefaultSchedule
	}

	limit := rate.Inf
	if opts.FetchesPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.FetchesPerMinute))
	}

	cronLogger := &cronLogger{logger: logger}
	return &Scheduler{
		runner:          runner,
		imports:         imports,
		logger:          logger,
		defaultSchedule: opts.DefaultSchedule,
		limiter:         rate.NewLimiter(limit, 1),
		sem:             make(chan struct{}, opts.MaxConcurrency),
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
	}
}

// AddJob は任意のジョブをcron式で登録する。修復バッチの定期実行に使用する。
func (s *Scheduler) AddJob(ctx context.Context, spec, name string, job func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("定期ジョブを開始します", slog.String("job", name))
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("ジョブ %s のスケジュール登録に失敗: %w", name, err)
	}
	return nil
}

// register は有効なインポートをcronに登録する。
func (s *Scheduler) register(ctx context.Context) error {
	for _, cfg := range s.imports {
		if !cfg.Enabled {
			continue
		}
		spec := cfg.Schedule
		if spec == "" {
			spec = s.defaultSchedule
		}

		cfg := cfg
		if _, err := s.cron.AddFunc(spec, func() { s.runImport(ctx, cfg) }); err != nil {
			return fmt.Errorf("インポート %s のスケジュール登録に失敗: %w", cfg.ID, err)
		}
		s.logger.Info("インポートをスケジュールしました",
			slog.String("import_id", cfg.ID),
			slog.String("schedule", spec),
		)
	}
	return nil
}

// Start はスケジューラを起動し、起動直後に全インポートを1回実行する。
// コンテキストがキャンセルされるまでブロックし、実行中のジョブの完了を待って戻る。
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.register(ctx); err != nil {
		return err
	}

	s.logger.Info("同期スケジューラを開始しました",
		slog.Int("import_count", len(s.imports)),
		slog.Int("max_concurrency", cap(s.sem)),
	)

	s.RunOnce(ctx)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("同期スケジューラを停止しました")
	return nil
}

// RunOnce は有効な全インポートを並列数の上限内で1回ずつ実行する。
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	var targets []model.ImportConfig
	for _, cfg := range s.imports {
		if cfg.Enabled {
			targets = append(targets, cfg)
		}
	}
	if len(targets) == 0 {
		s.logger.Info("実行対象のインポートはありません")
		return
	}

	s.logger.Info("同期サイクルを開始します", slog.Int("import_count", len(targets)))

	var wg sync.WaitGroup
	for _, cfg := range targets {
		wg.Add(1)
		go func(c model.ImportConfig) {
			defer wg.Done()
			s.runImport(ctx, c)
		}(cfg)
	}
	wg.Wait()

	s.logger.Info("同期サイクルが完了しました",
		slog.Int("import_count", len(targets)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// runImport はsemaphoreとレートリミッタを通してインポート1件を実行する。
func (s *Scheduler) runImport(ctx context.Context, cfg model.ImportConfig) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	if err := s.limiter.Wait(ctx); err != nil {
		s.logger.Warn("フェッチ待機中に中断されました",
			slog.String("import_id", cfg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	summary, err := s.runner.TryRun(ctx, cfg)
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress):
		s.logger.Info("実行中の同期があるためスキップしました", slog.String("import_id", cfg.ID))
	case err != nil:
		s.logger.Error("同期の実行に失敗しました",
			slog.String("import_id", cfg.ID),
			slog.String("error", err.Error()),
		)
	case summary.Failed():
		s.logger.Error("同期が中断されました",
			slog.String("import_id", cfg.ID),
			slog.Any("errors", summary.Errors),
		)
	}
}

// cronLogger はcron.Loggerをslogへ橋渡しする。
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err.Error())...)
}

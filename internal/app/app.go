// Package app はプロセスの初期化と依存関係のワイヤリング、各起動モードの実行を提供する。
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/icalsync/internal/config"
	"github.com/hitoshi/icalsync/internal/database"
	"github.com/hitoshi/icalsync/internal/handler"
	"github.com/hitoshi/icalsync/internal/logger"
	"github.com/hitoshi/icalsync/internal/metrics"
	"github.com/hitoshi/icalsync/internal/middleware"
	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/reconcile"
	"github.com/hitoshi/icalsync/internal/repository"
	"github.com/hitoshi/icalsync/internal/security"
	"github.com/hitoshi/icalsync/internal/worker/fetch"
	"github.com/hitoshi/icalsync/internal/worker/repair"
	"github.com/hitoshi/icalsync/internal/worker/schedule"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, "info")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// components はDB接続を伴う起動モードで共有する依存関係。
type components struct {
	db       *sql.DB
	imports  []model.ImportConfig
	registry *prometheus.Registry
	engine   *reconcile.Engine
	repair   *repair.RepairJob
	runs     *repository.PostgresImportRunRepo
}

// Close はDB接続を閉じる。
func (c *components) Close() error {
	return c.db.Close()
}

// wire はDB接続を開き、同期エンジンと修復ジョブを組み立てる。
func wire(ctx context.Context, cfg *config.Config, imports []model.ImportConfig, log *slog.Logger) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	eventRepo := repository.NewPostgresEventRepo(db)
	runRepo := repository.NewPostgresImportRunRepo(db)

	fetcher := fetch.NewFetcher(security.NewSSRFGuard(), log, cfg.FetchMaxSize)
	locker := repository.NewPostgresRunLocker(db, log)

	engine := reconcile.NewEngine(reconcile.Deps{
		Fetcher:    fetcher,
		Events:     eventRepo,
		ReadStates: repository.NewPostgresReadStateRepo(db),
		Threads:    repository.NewPostgresThreadRepo(db),
		Runs:       runRepo,
		Locker:     locker,
		Sanitizer:  security.NewContentSanitizer(),
		Metrics:    collector,
		Logger:     log,
	})

	return &components{
		db:       db,
		imports:  imports,
		registry: registry,
		engine:   engine,
		repair:   repair.NewRepairJob(eventRepo, locker, collector, log),
		runs:     runRepo,
	}, nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config, imports []model.ImportConfig, log *slog.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := wire(ctx, cfg, imports, log)
	if err != nil {
		return err
	}
	defer c.Close()

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		DB:          c.db,
		Gatherer:    c.registry,
		RateLimiter: rateLimiter,
		Logger:      log,
		Imports:     c.imports,
		Runner:      c.engine,
		Runs:        c.runs,
		Repairer:    c.repair,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, log)
}

// serveUntilDone はコンテキストがキャンセルされるまでHTTPサーバーを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("HTTP server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// cron式に従って全インポートを同期し、REPAIR_CRONが設定されていれば修復バッチも定期実行する。
// metricsPortが空でなければ/metricsを公開する。
func runWorker(cfg *config.Config, imports []model.ImportConfig, log *slog.Logger, metricsPort string) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := wire(ctx, cfg, imports, log)
	if err != nil {
		return err
	}
	defer c.Close()

	scheduler := schedule.NewScheduler(c.engine, c.imports, log, schedule.Options{
		DefaultSchedule:  cfg.RefreshCron,
		MaxConcurrency:   cfg.FetchMaxConcurrent,
		FetchesPerMinute: cfg.FetchRatePerMinute,
	})

	if cfg.RepairCron != "" {
		err := scheduler.AddJob(ctx, cfg.RepairCron, "repair", func(ctx context.Context) {
			if _, err := c.repair.Run(ctx, "", false); err != nil {
				log.Error("repair job failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return err
		}
	}

	if metricsPort != "" {
		server := &http.Server{
			Addr:              ":" + metricsPort,
			Handler:           metrics.Handler(c.registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, server, log); err != nil {
				log.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	log.Info("worker starting",
		slog.Int("import_count", len(c.imports)),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.String("refresh_cron", cfg.RefreshCron),
	)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runOnce はインポート1件を即時実行し、サマリーをJSONでwに書き出す。
// フェッチ失敗で中断した場合はエラーを返す。
func runOnce(w io.Writer, cfg *config.Config, imp model.ImportConfig, log *slog.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := wire(ctx, cfg, []model.ImportConfig{imp}, log)
	if err != nil {
		return err
	}
	defer c.Close()

	summary, err := c.engine.TryRun(ctx, imp)
	if err != nil {
		return err
	}
	if err := writeJSON(w, summary); err != nil {
		return err
	}
	if summary.Failed() {
		return fmt.Errorf("import %s aborted: %v", imp.ID, summary.Errors)
	}
	return nil
}

// runRepair は二重オフセット修復を実行し、サマリーをJSONでwに書き出す。
// importIDが空の場合は全インポートを対象とする。
func runRepair(w io.Writer, cfg *config.Config, importID string, dryRun bool, log *slog.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := wire(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer c.Close()

	summary, err := c.repair.Run(ctx, importID, dryRun)
	if err != nil {
		return err
	}
	return writeJSON(w, summary)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runRollback は直近stepsの数だけマイグレーションを戻す。
func runRollback(cfg *config.Config, steps int, log *slog.Logger) error {
	log.Info("rolling back database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)

	if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// runMigrationVersion は現在のスキーマバージョンをwに書き出す。
func runMigrationVersion(w io.Writer, cfg *config.Config) error {
	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]any{"version": version, "dirty": dirty})
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// loadImports はインポート定義ファイルを読み込む。
func loadImports(cfg *config.Config) ([]model.ImportConfig, error) {
	imports, err := config.LoadImports(cfg.ImportsFile, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load imports: %w", err)
	}
	return imports, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/icalsync/internal/config"
	"github.com/hitoshi/icalsync/internal/middleware"
	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/reconcile"
	"github.com/hitoshi/icalsync/internal/worker/repair"
)

// ImportRunner は同期の手動実行に必要なインターフェース。
type ImportRunner interface {
	TryRun(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error)
}

// RunLister はインポートごとの最終実行記録を取得するインターフェース。
type RunLister interface {
	ListRuns(ctx context.Context) ([]*model.ImportRun, error)
}

// Repairer は二重オフセット修復の実行インターフェース。
type Repairer interface {
	Run(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error)
}

// ImportHandler はインポート定義の参照と手動実行のHTTPハンドラー。
type ImportHandler struct {
	imports  []model.ImportConfig
	runner   ImportRunner
	runs     RunLister
	repairer Repairer
	logger   *slog.Logger
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(imports []model.ImportConfig, runner ImportRunner, runs RunLister, repairer Repairer, logger *slog.Logger) *ImportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportHandler{
		imports:  imports,
		runner:   runner,
		runs:     runs,
		repairer: repairer,
		logger:   logger,
	}
}

// lastRunResponse は最終実行記録のAPIレスポンス。
type lastRunResponse struct {
	LastRunAt  time.Time `json:"last_run_at"`
	Imported   int       `json:"imported"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// importResponse はインポート定義のAPIレスポンス。
type importResponse struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	URL      string           `json:"url"`
	Enabled  bool             `json:"enabled"`
	Schedule string           `json:"schedule,omitempty"`
	LastRun  *lastRunResponse `json:"last_run"`
}

// ListImports はインポート定義と最終実行記録の一覧を返す。
// GET /api/imports
func (h *ImportHandler) ListImports(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context())
	if err != nil {
		h.logger.Error("実行記録の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	byID := make(map[string]*model.ImportRun, len(runs))
	for _, run := range runs {
		byID[run.ImportSourceID] = run
	}

	resp := make([]importResponse, 0, len(h.imports))
	for _, cfg := range h.imports {
		item := importResponse{
			ID:       cfg.ID,
			Name:     cfg.Name,
			URL:      cfg.FeedURL,
			Enabled:  cfg.Enabled,
			Schedule: cfg.Schedule,
		}
		if run, ok := byID[cfg.ID]; ok {
			item.LastRun = &lastRunResponse{
				LastRunAt:  run.LastRunAt,
				Imported:   run.Imported,
				Updated:    run.Updated,
				Skipped:    run.Skipped,
				ErrorCount: run.ErrorCount,
				LastError:  run.LastError,
			}
		}
		resp = append(resp, item)
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// RunImport はインポートを即時実行し、実行サマリーを返す。
// フェッチ失敗で中断した場合も実行自体は完了しているため200でサマリーを返す。
// POST /api/imports/{id}/run
func (h *ImportHandler) RunImport(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.lookup(w, r)
	if !ok {
		return
	}

	summary, err := h.runner.TryRun(r.Context(), cfg)
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewRunInProgressError(cfg.ID))
		return
	case err != nil:
		h.logger.Error("手動実行に失敗しました",
			slog.String("import_id", cfg.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}

// RepairImport はインポートの二重オフセット修復を実行する。
// POST /api/imports/{id}/repair?dry_run=true
func (h *ImportHandler) RepairImport(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.lookup(w, r)
	if !ok {
		return
	}

	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidParamError("dry_run", v))
			return
		}
		dryRun = parsed
	}

	summary, err := h.repairer.Run(r.Context(), cfg.ID, dryRun)
	switch {
	case errors.Is(err, repair.ErrRepairInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewRunInProgressError(cfg.ID))
		return
	case err != nil:
		h.logger.Error("修復の実行に失敗しました",
			slog.String("import_id", cfg.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}

// lookup はURLパラメータのインポートIDから定義を引く。見つからない場合は404を書き込む。
func (h *ImportHandler) lookup(w http.ResponseWriter, r *http.Request) (model.ImportConfig, bool) {
	id := chi.URLParam(r, "id")
	cfg, ok := config.FindImport(h.imports, id)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewImportNotFoundError(id))
		return model.ImportConfig{}, false
	}
	return cfg, true
}

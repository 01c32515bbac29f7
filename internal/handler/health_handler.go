package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/icalsync/internal/database"
	"github.com/hitoshi/icalsync/internal/middleware"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler はDB到達性を含むヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db     database.Pinger
	logger *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db database.Pinger, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{db: db, logger: logger}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health はDBへのPing結果を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := database.Ping(r.Context(), h.db, healthCheckTimeout); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
		middleware.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Database: "unreachable"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

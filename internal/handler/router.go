package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/icalsync/internal/database"
	"github.com/hitoshi/icalsync/internal/metrics"
	"github.com/hitoshi/icalsync/internal/middleware"
	"github.com/hitoshi/icalsync/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	DB          database.Pinger
	Gatherer    prometheus.Gatherer
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	Imports  []model.ImportConfig
	Runner   ImportRunner
	Runs     RunLister
	Repairer Repairer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders
//
// 手動実行（run / repair）にはクライアント単位のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	health := NewHealthHandler(deps.DB, deps.Logger)
	imports := NewImportHandler(deps.Imports, deps.Runner, deps.Runs, deps.Repairer, deps.Logger)

	// --- 監視用ルート（アクセスログ対象外） ---
	r.Get("/health", health.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		r.Use(middleware.NewSecurityHeadersMiddleware())

		r.Route("/api/imports", func(r chi.Router) {
			r.Get("/", imports.ListImports)

			r.Route("/{id}", func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.Middleware())
				}
				r.Post("/run", imports.RunImport)
				r.Post("/repair", imports.RepairImport)
			})
		})
	})

	return r
}

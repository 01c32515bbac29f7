package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/reconcile"
	"github.com/hitoshi/icalsync/internal/worker/repair"
)

// --- モック定義 ---

type mockRunner struct {
	tryRunFn func(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error)
	calls    []string
}

func (m *mockRunner) TryRun(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error) {
	m.calls = append(m.calls, cfg.ID)
	if m.tryRunFn != nil {
		return m.tryRunFn(ctx, cfg)
	}
	return model.RunSummary{ImportSourceID: cfg.ID, Errors: []string{}}, nil
}

type mockRunLister struct {
	runs []*model.ImportRun
	err  error
}

func (m *mockRunLister) ListRuns(ctx context.Context) ([]*model.ImportRun, error) {
	return m.runs, m.err
}

type mockRepairer struct {
	runFn      func(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error)
	lastDryRun bool
}

func (m *mockRepairer) Run(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error) {
	m.lastDryRun = dryRun
	if m.runFn != nil {
		return m.runFn(ctx, importSourceID, dryRun)
	}
	return model.RepairSummary{ImportSourceID: importSourceID, DryRun: dryRun}, nil
}

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func testImports() []model.ImportConfig {
	return []model.ImportConfig{
		{ID: "mainz", Name: "Mainz", FeedURL: "https://example.com/mainz.ics", Enabled: true},
		{ID: "paused", Name: "Paused", FeedURL: "https://example.com/paused.ics", Enabled: false, Schedule: "0 * * * *"},
	}
}

func newTestImportHandler(runner ImportRunner, runs RunLister, repairer Repairer) (*ImportHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewImportHandler(testImports(), runner, runs, repairer, newTestLogger(&buf)), &buf
}

// --- GET /api/imports ---

func TestImportHandler_ListImports_MergesLastRuns(t *testing.T) {
	lastRun := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	runs := &mockRunLister{runs: []*model.ImportRun{
		{ImportSourceID: "mainz", LastRunAt: lastRun, Imported: 3, Updated: 1, Skipped: 2},
		{ImportSourceID: "removed", LastRunAt: lastRun},
	}}
	h, _ := newTestImportHandler(&mockRunner{}, runs, &mockRepairer{})

	w := httptest.NewRecorder()
	h.ListImports(w, httptest.NewRequest(http.MethodGet, "/api/imports", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp []importResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("len = %d, want 2", len(resp))
	}
	if resp[0].LastRun == nil || resp[0].LastRun.Imported != 3 || !resp[0].LastRun.LastRunAt.Equal(lastRun) {
		t.Errorf("mainz last_run = %+v", resp[0].LastRun)
	}
	if resp[1].LastRun != nil {
		t.Errorf("未実行のインポートにlast_runがある: %+v", resp[1].LastRun)
	}
	if resp[1].Enabled || resp[1].Schedule != "0 * * * *" {
		t.Errorf("paused = %+v", resp[1])
	}
}

func TestImportHandler_ListImports_RepositoryError(t *testing.T) {
	h, buf := newTestImportHandler(&mockRunner{}, &mockRunLister{err: errors.New("db down")}, &mockRepairer{})

	w := httptest.NewRecorder()
	h.ListImports(w, httptest.NewRequest(http.MethodGet, "/api/imports", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte("db down")) {
		t.Errorf("エラー詳細がログに記録されていない: %s", buf.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("db down")) {
		t.Error("エラー詳細がレスポンスに漏れている")
	}
}

// --- POST /api/imports/{id}/run ---

func TestImportHandler_RunImport_ReturnsSummary(t *testing.T) {
	runner := &mockRunner{
		tryRunFn: func(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error) {
			return model.RunSummary{RunID: "run-1", ImportSourceID: cfg.ID, Imported: 2, Errors: []string{}}, nil
		},
	}
	h, _ := newTestImportHandler(runner, &mockRunLister{}, &mockRepairer{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/run", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RunImport(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var summary model.RunSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if summary.RunID != "run-1" || summary.Imported != 2 || summary.ImportSourceID != "mainz" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestImportHandler_RunImport_FetchFailureStillReturnsSummary(t *testing.T) {
	runner := &mockRunner{
		tryRunFn: func(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error) {
			return model.RunSummary{ImportSourceID: cfg.ID, Errors: []string{"fetch unreachable"}}, nil
		},
	}
	h, _ := newTestImportHandler(runner, &mockRunLister{}, &mockRepairer{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/run", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RunImport(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var summary model.RunSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(summary.Errors) != 1 {
		t.Errorf("errors = %v, want 1件", summary.Errors)
	}
}

func TestImportHandler_RunImport_UnknownImport(t *testing.T) {
	runner := &mockRunner{}
	h, _ := newTestImportHandler(runner, &mockRunLister{}, &mockRepairer{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/nope/run", nil), "id", "nope")
	w := httptest.NewRecorder()
	h.RunImport(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeImportNotFound {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeImportNotFound)
	}
	if len(runner.calls) != 0 {
		t.Error("未定義のインポートで実行されました")
	}
}

func TestImportHandler_RunImport_InProgress(t *testing.T) {
	runner := &mockRunner{
		tryRunFn: func(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error) {
			return model.RunSummary{}, reconcile.ErrRunInProgress
		},
	}
	h, _ := newTestImportHandler(runner, &mockRunLister{}, &mockRepairer{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/run", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RunImport(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeRunInProgress {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeRunInProgress)
	}
}

func TestImportHandler_RunImport_LockError(t *testing.T) {
	runner := &mockRunner{
		tryRunFn: func(ctx context.Context, cfg model.ImportConfig) (model.RunSummary, error) {
			return model.RunSummary{}, errors.New("advisory lock: connection reset")
		},
	}
	h, _ := newTestImportHandler(runner, &mockRunLister{}, &mockRepairer{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/run", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RunImport(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// --- POST /api/imports/{id}/repair ---

func TestImportHandler_RepairImport_DryRun(t *testing.T) {
	repairer := &mockRepairer{
		runFn: func(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error) {
			return model.RepairSummary{ImportSourceID: importSourceID, Scanned: 5, Repaired: 2, DryRun: dryRun}, nil
		},
	}
	h, _ := newTestImportHandler(&mockRunner{}, &mockRunLister{}, repairer)

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/repair?dry_run=true", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RepairImport(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !repairer.lastDryRun {
		t.Error("dry_run=true が渡されていない")
	}

	var summary model.RepairSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if summary.Repaired != 2 || !summary.DryRun {
		t.Errorf("summary = %+v", summary)
	}
}

func TestImportHandler_RepairImport_InvalidDryRun(t *testing.T) {
	h, _ := newTestImportHandler(&mockRunner{}, &mockRunLister{}, &mockRepairer{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/repair?dry_run=maybe", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RepairImport(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidParam {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidParam)
	}
}

func TestImportHandler_RepairImport_Error(t *testing.T) {
	repairer := &mockRepairer{
		runFn: func(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error) {
			return model.RepairSummary{}, errors.New("list failed")
		},
	}
	h, _ := newTestImportHandler(&mockRunner{}, &mockRunLister{}, repairer)

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/repair", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RepairImport(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if repairer.lastDryRun {
		t.Error("dry_run未指定はfalseであるべき")
	}
}

func TestImportHandler_RepairImport_InProgress(t *testing.T) {
	repairer := &mockRepairer{
		runFn: func(ctx context.Context, importSourceID string, dryRun bool) (model.RepairSummary, error) {
			return model.RepairSummary{}, repair.ErrRepairInProgress
		},
	}
	h, buf := newTestImportHandler(&mockRunner{}, &mockRunLister{}, repairer)

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/imports/mainz/repair", nil), "id", "mainz")
	w := httptest.NewRecorder()
	h.RepairImport(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeRunInProgress {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeRunInProgress)
	}
	if strings.Contains(buf.String(), "修復の実行に失敗しました") {
		t.Error("実行中はエラーログを出さないこと")
	}
}

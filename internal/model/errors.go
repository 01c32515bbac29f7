// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// HTTP APIのエラーレスポンスとして返す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, import, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeImportNotFound = "IMPORT_NOT_FOUND"
	ErrCodeRunInProgress  = "RUN_IN_PROGRESS"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInvalidParam   = "INVALID_PARAMETER"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewImportNotFoundError はインポート定義未検出エラーを生成する。
func NewImportNotFoundError(importID string) *APIError {
	return &APIError{
		Code:     ErrCodeImportNotFound,
		Message:  fmt.Sprintf("指定されたインポート定義が見つかりません: %s", importID),
		Category: "import",
		Action:   "インポート定義ファイルのidを確認してください。",
	}
}

// NewRunInProgressError は同一インポートの実行中エラーを生成する。
func NewRunInProgressError(importID string) *APIError {
	return &APIError{
		Code:     ErrCodeRunInProgress,
		Message:  fmt.Sprintf("インポートは既に実行中です: %s", importID),
		Category: "import",
		Action:   "実行が完了してから再度お試しください。",
	}
}

// NewRateLimitedError は手動実行のレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInvalidParamError はリクエストパラメータ不正エラーを生成する。
func NewInvalidParamError(name, value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParam,
		Message:  fmt.Sprintf("パラメータ %s の値が不正です: %s", name, value),
		Category: "validation",
		Action:   "パラメータの値を確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// FetchErrorKind はフェッチ失敗の種別を表す。
type FetchErrorKind string

const (
	// FetchUnreachable はネットワークエラーまたは非2xxステータス。
	FetchUnreachable FetchErrorKind = "unreachable"
	// FetchTimeout はタイムアウト。
	FetchTimeout FetchErrorKind = "timeout"
	// FetchEmptyBody はレスポンスボディが空。
	FetchEmptyBody FetchErrorKind = "empty_body"
)

// FetchError はフィード取得の失敗を表す。実行全体を中断させる唯一のエラー。
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %s (HTTP %d)", e.Kind, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.Kind, e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.Kind, e.URL)
	}
}

// Unwrap は原因エラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError はerrがFetchErrorかを判定し、種別を返す。
func IsFetchError(err error) (FetchErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hitoshi/icalsync/internal/model"
)

// errEmptyBody はレスポンスボディが空（空白のみを含む）の場合のエラー。
var errEmptyBody = errors.New("empty response body")

// statusError は非2xxステータスを表す。
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.code)
}

// IsSuccessStatus はHTTPステータスコードが2xxかを判定する。
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// classifyError は取得時のエラーをFetchErrorに分類する。
//   - 空ボディ: empty_body
//   - コンテキスト期限切れ、net.ErrorのTimeout: timeout
//   - それ以外（接続失敗、非2xx、DNS失敗等）: unreachable
func classifyError(rawURL string, err error) *model.FetchError {
	fe := &model.FetchError{Kind: model.FetchUnreachable, URL: rawURL, Err: err}

	var se *statusError
	var ne net.Error
	switch {
	case errors.Is(err, errEmptyBody):
		fe.Kind = model.FetchEmptyBody
	case errors.As(err, &se):
		fe.StatusCode = se.code
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = model.FetchTimeout
	case errors.As(err, &ne) && ne.Timeout():
		fe.Kind = model.FetchTimeout
	}
	return fe
}

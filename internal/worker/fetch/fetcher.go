// Package fetch はICSフィードのHTTP取得処理を提供する。
// SSRF防止付きのプライマリクライアントと、失敗時のフォールバッククライアントを持つ。
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/icalsync/internal/model"
)

const (
	userAgent    = "icalsync/1.0 (+iCalendar importer)"
	acceptHeader = "text/calendar, text/plain;q=0.9, */*;q=0.8"
)

// maxRedirects はリダイレクトを辿る上限。
const maxRedirects = 10

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
	NewFallbackClient(timeout time.Duration, insecureSkipVerify bool) *http.Client
}

// Options は1回のフェッチの設定。
type Options struct {
	Timeout time.Duration
	// InsecureSkipVerify はフォールバッククライアントでTLS証明書検証を無効化する。
	InsecureSkipVerify bool
}

// Fetcher はICSフィードを取得してRawFeedDocumentを返す。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	logger      *slog.Logger
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(ssrfGuard SSRFValidator, logger *slog.Logger, maxBodySize int64) *Fetcher {
	return &Fetcher{
		ssrfGuard:   ssrfGuard,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Fetch はフィードを取得する。プライマリクライアントが失敗した場合
// （ネットワークエラー、非2xx、空ボディ）はフォールバッククライアントで再試行する。
// 取得結果がカレンダーではなくHTMLページだった場合は、ページ内のカレンダーリンクを
// 1段だけ辿って取得し直す。失敗時は*model.FetchErrorを返す。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*model.RawFeedDocument, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = model.DefaultFetchTimeout
	}

	doc, err := f.fetchDocument(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if IsCalendarDocument(doc.ContentType, doc.Body) || !isHTML(doc.ContentType, doc.Body) {
		return doc, nil
	}

	link := SelectBestLink(ParseCalendarLinksFromHTML(doc.Body, rawURL), rawURL)
	if link == "" {
		return doc, nil
	}

	f.logger.Info("HTMLページからカレンダーリンクを検出しました",
		slog.String("feed_url", rawURL),
		slog.String("calendar_url", link),
	)

	discovered, err := f.fetchDocument(ctx, link, opts)
	if err != nil {
		return nil, err
	}
	discovered.DiscoveredFrom = rawURL
	return discovered, nil
}

// fetchDocument はSSRF検証の後、プライマリとフォールバックの順に1件のURLを取得する。
func (f *Fetcher) fetchDocument(ctx context.Context, rawURL string, opts Options) (*model.RawFeedDocument, error) {
	// SSRF検証はどちらのクライアントでも必須
	if err := f.ssrfGuard.ValidateURL(rawURL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("feed_url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, &model.FetchError{Kind: model.FetchUnreachable, URL: rawURL, Err: err}
	}

	start := time.Now()

	primary := f.withRedirectValidation(f.ssrfGuard.NewSafeClient(opts.Timeout, f.maxBodySize))
	doc, err := f.fetchWith(ctx, primary, rawURL)
	if err == nil {
		f.logFetched(doc, start)
		return doc, nil
	}

	if ctx.Err() != nil {
		return nil, classifyError(rawURL, err)
	}

	f.logger.Warn("プライマリクライアントでの取得に失敗しました。フォールバックします",
		slog.String("feed_url", rawURL),
		slog.String("error", err.Error()),
	)

	secondary := f.withRedirectValidation(f.ssrfGuard.NewFallbackClient(opts.Timeout, opts.InsecureSkipVerify))
	doc, fallbackErr := f.fetchWith(ctx, secondary, rawURL)
	if fallbackErr != nil {
		f.logger.Error("フィードの取得に失敗しました",
			slog.String("feed_url", rawURL),
			slog.String("primary_error", err.Error()),
			slog.String("fallback_error", fallbackErr.Error()),
		)
		return nil, classifyError(rawURL, fallbackErr)
	}

	doc.UsedFallback = true
	f.logFetched(doc, start)
	return doc, nil
}

// withRedirectValidation はリダイレクト先ごとにSSRF検証を行うクライアントを返す。
// 元のクライアントは変更しない。
func (f *Fetcher) withRedirectValidation(client *http.Client) *http.Client {
	wrapped := *client
	next := client.CheckRedirect
	wrapped.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("リダイレクトが多すぎます: %d回", len(via))
		}
		if err := f.ssrfGuard.ValidateURL(req.URL.String()); err != nil {
			f.logger.Warn("リダイレクト先のSSRF検証に失敗しました",
				slog.String("redirect_url", req.URL.String()),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("リダイレクト先が許可されていません: %w", err)
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}
	return &wrapped
}

// fetchWith は指定クライアントで1回GETを実行する。
func (f *Fetcher) fetchWith(ctx context.Context, client *http.Client, rawURL string) (*model.RawFeedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !IsSuccessStatus(resp.StatusCode) {
		return nil, &statusError{code: resp.StatusCode}
	}

	// 上限を1バイト超えて読み、切り詰めの有無を判定する
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}
	truncated := int64(len(body)) > f.maxBodySize
	if truncated {
		body = body[:f.maxBodySize]
		f.logger.Warn("レスポンスが上限サイズを超えたため切り詰めました",
			slog.String("feed_url", rawURL),
			slog.Int64("max_bytes", f.maxBodySize),
		)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}

	contentType := resp.Header.Get("Content-Type")
	decoded, charsetName := DecodeBody(body, contentType)

	return &model.RawFeedDocument{
		URL:         rawURL,
		Body:        decoded,
		Charset:     charsetName,
		ContentType: contentType,
		FetchedAt:   time.Now(),
		Truncated:   truncated,
	}, nil
}

func (f *Fetcher) logFetched(doc *model.RawFeedDocument, start time.Time) {
	f.logger.Info("フィードを取得しました",
		slog.String("feed_url", doc.URL),
		slog.Int("bytes", len(doc.Body)),
		slog.String("charset", doc.Charset),
		slog.Bool("used_fallback", doc.UsedFallback),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

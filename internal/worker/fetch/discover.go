package fetch

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/icalsync/internal/security"
)

// calendarContentTypes はカレンダーとして認識するContent-Typeのリスト。
var calendarContentTypes = []string{
	"text/calendar",
	"application/ics",
	"text/x-vcalendar",
}

// mediaType はContent-Typeからパラメータを除いたメディアタイプを返す。
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// IsCalendarDocument はContent-Typeとボディを解析して、
// レスポンスがiCalendarドキュメントかどうかを判定する。
// Content-Typeを正しく返さないサーバーが多いため、ボディ先頭のBEGIN:VCALENDARも見る。
func IsCalendarDocument(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	for _, ct := range calendarContentTypes {
		if mt == ct {
			return true
		}
	}

	checkSize := 1024
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := bytes.ToUpper(bytes.TrimLeft(body[:checkSize], "\ufeff \t\r\n"))
	return bytes.HasPrefix(prefix, []byte("BEGIN:VCALENDAR"))
}

// isHTML はレスポンスがHTMLページかどうかを判定する。
func isHTML(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	if mt == "text/html" || mt == "application/xhtml+xml" {
		return true
	}
	checkSize := 512
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := strings.ToLower(string(body[:checkSize]))
	return strings.Contains(prefix, "<!doctype html") || strings.Contains(prefix, "<html")
}

// ParseCalendarLinksFromHTML はHTMLからカレンダーへのリンクを検出する。
// 対象は type="text/calendar" の link / a 要素、.ics で終わる href、webcal(s) スキームの href。
// 相対URLはbaseURLを基準に絶対URLに解決し、webcalはhttpsへ正規化する。
func ParseCalendarLinksFromHTML(htmlBody []byte, baseURL string) []string {
	var links []string

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return links
	}

	seen := make(map[string]bool)
	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)
			if (tagName != "link" && tagName != "a") || !hasAttr {
				continue
			}

			var linkType, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}

			if href == "" || !looksLikeCalendarLink(linkType, href) {
				continue
			}

			resolved := resolveURL(baseU, href)
			if resolved == "" || seen[resolved] {
				continue
			}
			seen[resolved] = true
			links = append(links, resolved)
		}
	}
}

func looksLikeCalendarLink(linkType, href string) bool {
	if linkType == "text/calendar" {
		return true
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "webcal://") || strings.HasPrefix(lower, "webcals://") {
		return true
	}
	if u, err := url.Parse(lower); err == nil {
		return strings.HasSuffix(u.Path, ".ics")
	}
	return false
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(security.NormalizeFeedURL(rawRef))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// SelectBestLink は複数のリンク候補から取得対象を選択する。
// 優先順位: 同一ホスト > 先頭
func SelectBestLink(links []string, pageURL string) string {
	if len(links) == 0 {
		return ""
	}

	pageHost := extractHost(pageURL)
	for _, link := range links {
		if extractHost(link) == pageHost {
			return link
		}
	}
	return links[0]
}

// extractHost はURLからホスト名を抽出する。
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

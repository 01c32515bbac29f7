package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はイベント本文（DESCRIPTION）をサニタイズするインターフェース。
// 作成・更新するイベント本文とスレッド本文に適用する。
type ContentSanitizerService interface {
	// Sanitize は許可リスト外のタグと属性を除去した安全なHTMLを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(description string) string
}

// contentSanitizer はbluemondayのポリシーを保持する。ポリシーはスレッドセーフ。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
//
// ポリシー:
//   - 許可タグ: p, br, a, ul, ol, li, strong, em, b, i
//   - aのhrefはhttp, https, mailtoのみ。target="_blank"とrel="noopener noreferrer"を付与
//   - script, style, iframe, img, on*属性は除去
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "b", "i")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{policy: p}
}

// Sanitize はDESCRIPTIONをサニタイズする。
// プレーンテキストの改行は<br>に変換してから適用する。
func (s *contentSanitizer) Sanitize(description string) string {
	if description == "" {
		return ""
	}
	if !strings.Contains(description, "<") {
		description = strings.ReplaceAll(description, "\n", "<br>\n")
	}
	return strings.TrimSpace(s.policy.Sanitize(description))
}

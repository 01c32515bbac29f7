package resolve

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// TitleSimilarity は2つのタイトルの類似度を0〜1で返す。
// 大文字小文字を区別せず前後の空白を除去したうえで、文字単位の
// 一致ブロックの総文字数cから 2c / (len(a)+len(b)) を計算する。
// 両方が空の場合は1を返す。
func TitleSimilarity(a, b string) float64 {
	ra := splitRunes(strings.ToLower(strings.TrimSpace(a)))
	rb := splitRunes(strings.ToLower(strings.TrimSpace(b)))

	// 長いタイトルで頻出文字がジャンク扱いされないよう自動ジャンク判定は無効にする
	return difflib.NewMatcherWithJunk(ra, rb, false, nil).Ratio()
}

// splitRunes は文字列を1文字ずつの列に分解する。
func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

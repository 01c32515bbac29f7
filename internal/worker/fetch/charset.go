package fetch

import (
	"bytes"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// DecodeBody はレスポンスボディをUTF-8へ変換し、変換後のボディと元の文字コード名を返す。
//
// Content-Typeでutf-8以外のcharsetが宣言されていればそれに従う。宣言がない場合、
// ボディが正しいUTF-8であればそのまま使用し、そうでなければ内容から推定する。
// 変換に失敗した場合は元のボディを返す。
func DecodeBody(body []byte, contentType string) ([]byte, string) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))

	if label := declaredCharset(contentType); label != "" && !isUTF8Label(label) {
		if r, err := charset.NewReaderLabel(label, bytes.NewReader(body)); err == nil {
			if out, err := io.ReadAll(r); err == nil {
				return out, label
			}
		}
	}

	if utf8.Valid(body) {
		return body, "utf-8"
	}

	enc, name, _ := charset.DetermineEncoding(body, contentType)
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body, "utf-8"
	}
	return out, name
}

// declaredCharset はContent-Typeのcharsetパラメータを小文字で返す。
func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

func isUTF8Label(label string) bool {
	return label == "utf-8" || label == "utf8"
}

package ics

import (
	"strings"

	ical "github.com/arran4/golang-ical"
)

// lineEndings は単独のCRとLFをCRLFへ揃える。
var lineEndings = strings.NewReplacer("\r\n", "\r\n", "\r", "\r\n", "\n", "\r\n")

// normalizeDocument はBOMを除去し、改行をCRLFに統一する。
func normalizeDocument(body []byte) string {
	return lineEndings.Replace(strings.TrimPrefix(string(body), "\ufeff"))
}

// propertyOf はコンポーネント直下で最初に現れるプロパティを返す。
// 名前の大文字小文字は区別しない。ネストしたVALARM等のプロパティは対象外。
func propertyOf(cb *ical.ComponentBase, name ical.ComponentProperty) *ical.IANAProperty {
	for i := range cb.Properties {
		if strings.EqualFold(cb.Properties[i].IANAToken, string(name)) {
			return &cb.Properties[i]
		}
	}
	return nil
}

// textOf はTEXT値を前後の空白を除去して返す。
// \n、\N、\,、\;、\\ のエスケープはライブラリのパース時に解除済み。
func textOf(cb *ical.ComponentBase, name ical.ComponentProperty) string {
	p := propertyOf(cb, name)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// paramOf はプロパティパラメータの最初の値を返す。引用符はライブラリが除去済み。
func paramOf(p *ical.IANAProperty, name ical.Parameter) string {
	for k, v := range p.ICalParameters {
		if strings.EqualFold(k, string(name)) && len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

// Package timezone はタイムゾーン変換と二重オフセット補正を提供する。
package timezone

import (
	"strings"
	"time"
	// distrolessイメージにはzoneinfoが無い
	_ "time/tzdata"
)

// windowsToIANA はOutlook/Exchangeが出力するWindowsタイムゾーン名とIANA名の対応表。
var windowsToIANA = map[string]string{
	"Pacific Standard Time":          "America/Los_Angeles",
	"Mountain Standard Time":         "America/Denver",
	"Central Standard Time":          "America/Chicago",
	"Eastern Standard Time":          "America/New_York",
	"Atlantic Standard Time":         "America/Halifax",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"GMT Standard Time":              "Europe/London",
	"Greenwich Standard Time":        "Atlantic/Reykjavik",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Central European Standard Time": "Europe/Warsaw",
	"E. Europe Standard Time":        "Europe/Chisinau",
	"FLE Standard Time":              "Europe/Kiev",
	"Russian Standard Time":          "Europe/Moscow",
	"China Standard Time":            "Asia/Shanghai",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"Korea Standard Time":            "Asia/Seoul",
	"India Standard Time":            "Asia/Kolkata",
	"Singapore Standard Time":        "Asia/Singapore",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"New Zealand Standard Time":      "Pacific/Auckland",
	"UTC":                            "UTC",
	"Coordinated Universal Time":     "UTC",
}

// LoadLocation はTZIDパラメータ値からtime.Locationを解決する。
// 引用符、Mozilla形式の先頭スラッシュ、Windowsタイムゾーン名を受け付ける。
// 解決できない場合は(time.UTC, false)を返す。
func LoadLocation(tzid string) (*time.Location, bool) {
	for _, name := range candidateNames(tzid) {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, true
		}
	}
	return time.UTC, false
}

// CanonicalName はTZIDを解決可能なIANA名へ正規化する。解決できない場合は空文字列を返す。
func CanonicalName(tzid string) string {
	for _, name := range candidateNames(tzid) {
		if _, err := time.LoadLocation(name); err == nil {
			return name
		}
	}
	return ""
}

// candidateNames はTZIDから試行するIANA名の候補を優先順に返す。
func candidateNames(tzid string) []string {
	name := strings.Trim(strings.TrimSpace(tzid), `"`)
	if name == "" {
		return nil
	}
	if ianaName, ok := windowsToIANA[name]; ok {
		return []string{ianaName}
	}
	if !strings.HasPrefix(name, "/") {
		return []string{name}
	}

	// Mozilla形式: /mozilla.org/20050126_1/Europe/Berlin や /Europe/Berlin
	parts := strings.Split(strings.Trim(name, "/"), "/")
	candidates := make([]string, 0, len(parts))
	for i := range parts {
		candidates = append(candidates, strings.Join(parts[i:], "/"))
	}
	return candidates
}

// IsUTC はタイムゾーン名がUTCを表すかを返す。
func IsUTC(name string) bool {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "UTC", "Z", "GMT", "ETC/UTC", "ETC/GMT", "UNIVERSAL", "ZULU":
		return true
	default:
		return false
	}
}

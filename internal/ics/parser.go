// Package ics はiCalendar（RFC 5545）フィードのパース処理を提供する。
//
// パーサーは寛容に動作する。壊れた行や解釈できない日付はそのVEVENTだけを破棄し、
// ドキュメント全体のパースは継続する。行の折り返し解除とプロパティの分解、
// VEVENT内のコンポーネント構造はgolang-icalに任せ、VEVENTの切り出しと
// 日付の解釈はこのパッケージで行う。
package ics

import (
	"log/slog"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/timezone"
)

// 破棄理由
const (
	ReasonMissingUID    = "missing UID"
	ReasonMissingStart  = "missing or malformed DTSTART"
	ReasonUnterminated  = "unterminated VEVENT"
	ReasonMalformedLine = "malformed property line"
	ReasonMalformed     = "malformed VEVENT"
)

const (
	componentEvent    = string(ical.ComponentVEvent)
	componentCalendar = string(ical.ComponentVCalendar)
)

// Warning はパース時に破棄されたレコードの情報を表す。エラーとしては扱わない。
type Warning struct {
	Line   int
	UID    string
	Reason string
}

// Parser はICSドキュメントをParsedEventの列に変換する。
type Parser struct {
	logger *slog.Logger
}

// NewParser はParserの新しいインスタンスを生成する。
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// eventBlock は切り出し中のVEVENTの論理行を保持する。
type eventBlock struct {
	line  int
	lines []string
	// depth はVEVENT内部にネストしたコンポーネント（VALARM等）の深さ。
	depth int
	// uid は警告用にブロック内で最初に見つかったUID。
	uid string
}

// Parse はドキュメントをパースし、有効なイベントと破棄したレコードの警告を返す。
// UIDが空、またはDTSTARTが欠落・不正なVEVENTは出力に含めない。
func (p *Parser) Parse(doc model.RawFeedDocument) ([]model.ParsedEvent, []Warning) {
	events := make([]model.ParsedEvent, 0)
	var warnings []Warning
	var cur *eventBlock

	unterminated := func() {
		warnings = append(warnings, Warning{Line: cur.line, UID: cur.uid, Reason: ReasonUnterminated})
		cur = nil
	}

	stream := ical.NewCalendarStream(strings.NewReader(normalizeDocument(doc.Body)))
	for n := 1; ; n++ {
		l, err := stream.ReadLine()
		if l != nil && strings.TrimSpace(string(*l)) != "" {
			prop, perr := ical.ParseProperty(*l)
			switch {
			case perr != nil || prop == nil:
				if cur != nil && cur.depth == 0 {
					warnings = append(warnings, Warning{Line: n, UID: cur.uid, Reason: ReasonMalformedLine})
				}

			case strings.EqualFold(prop.IANAToken, "BEGIN"):
				kind := strings.ToUpper(strings.TrimSpace(prop.Value))
				switch {
				case kind == componentEvent:
					if cur != nil {
						unterminated()
					}
					cur = &eventBlock{line: n}
				case cur != nil:
					cur.depth++
					cur.lines = append(cur.lines, "BEGIN:"+kind)
				}

			case strings.EqualFold(prop.IANAToken, "END"):
				if cur == nil {
					break
				}
				kind := strings.ToUpper(strings.TrimSpace(prop.Value))
				switch {
				case kind == componentEvent:
					cur.lines = append(cur.lines, "END:"+kind)
					if ev, w, ok := p.decode(cur); ok {
						events = append(events, ev)
					} else {
						warnings = append(warnings, w)
					}
					cur = nil
				case kind == componentCalendar:
					unterminated()
				case cur.depth > 0:
					cur.depth--
					cur.lines = append(cur.lines, "END:"+kind)
				}

			case cur != nil:
				if cur.uid == "" && cur.depth == 0 && strings.EqualFold(prop.IANAToken, string(ical.ComponentPropertyUniqueId)) {
					cur.uid = strings.TrimSpace(prop.Value)
				}
				cur.lines = append(cur.lines, string(*l))
			}
		}
		if err != nil {
			break
		}
	}

	if cur != nil {
		unterminated()
	}

	for _, w := range warnings {
		p.logger.Debug("VEVENTを破棄しました",
			slog.String("feed_url", doc.URL),
			slog.Int("line", w.Line),
			slog.String("uid", w.UID),
			slog.String("reason", w.Reason),
		)
	}

	return events, warnings
}

// decode は切り出したVEVENTをgolang-icalで組み立て、ParsedEventへ変換する。
func (p *Parser) decode(b *eventBlock) (model.ParsedEvent, Warning, bool) {
	begin := &ical.BaseProperty{
		IANAToken:      "BEGIN",
		ICalParameters: map[string][]string{},
		Value:          componentEvent,
	}
	stream := ical.NewCalendarStream(strings.NewReader(strings.Join(b.lines, "\r\n") + "\r\n"))
	vevent, err := ical.ParseVEventWithError(stream, begin)
	if err != nil {
		return model.ParsedEvent{}, Warning{Line: b.line, UID: b.uid, Reason: ReasonMalformed}, false
	}

	ev := toParsedEvent(&vevent.ComponentBase)
	if ev.UID == "" {
		return ev, Warning{Line: b.line, Reason: ReasonMissingUID}, false
	}
	if !ev.HasStart() {
		return ev, Warning{Line: b.line, UID: ev.UID, Reason: ReasonMissingStart}, false
	}
	return ev, Warning{}, true
}

// toParsedEvent は認識対象のプロパティを取り出す。未知のプロパティは無視する。
func toParsedEvent(cb *ical.ComponentBase) model.ParsedEvent {
	ev := model.ParsedEvent{
		UID:         textOf(cb, ical.ComponentPropertyUniqueId),
		Summary:     textOf(cb, ical.ComponentPropertySummary),
		Description: textOf(cb, ical.ComponentPropertyDescription),
		Location:    textOf(cb, ical.ComponentPropertyLocation),
	}

	if prop := propertyOf(cb, ical.ComponentPropertyDtStart); prop != nil {
		t, allDay, tz := ParseDateValue(prop.Value, paramOf(prop, ical.ParameterTzid))
		ev.Start = t
		ev.AllDay = allDay
		if t != nil {
			ev.SourceTimezone = tz
		}
	}
	if prop := propertyOf(cb, ical.ComponentPropertyDtEnd); prop != nil {
		ev.End, _, _ = ParseDateValue(prop.Value, paramOf(prop, ical.ParameterTzid))
	}
	return ev
}

// ParseDateValue はDTSTART/DTENDの値を解釈する。
//
// 数字、T、Z以外の文字を除去したうえで、8桁なら終日（0時、allDay=true）、
// YYYYMMDDTHHMMSS[Z] なら日時として扱う。末尾のZはUTC、それ以外はTZIDで
// 指定されたタイムゾーン（未指定または解決不能ならUTC）で解釈する。
// 解釈できない場合はnilを返す。第3戻り値は使用したタイムゾーン名。
func ParseDateValue(value, tzid string) (*time.Time, bool, string) {
	clean := cleanDate(value)

	loc := time.UTC
	if tzid != "" {
		loc, _ = timezone.LoadLocation(tzid)
	}

	switch {
	case len(clean) == 8 && isDigits(clean):
		t, err := time.ParseInLocation("20060102", clean, loc)
		if err != nil {
			return nil, false, ""
		}
		return &t, true, loc.String()

	case len(clean) == 16 && clean[15] == 'Z' && isDateTime(clean[:15]):
		t, err := time.ParseInLocation("20060102T150405", clean[:15], time.UTC)
		if err != nil {
			return nil, false, ""
		}
		return &t, false, "UTC"

	case len(clean) == 15 && isDateTime(clean):
		t, err := time.ParseInLocation("20060102T150405", clean, loc)
		if err != nil {
			return nil, false, ""
		}
		return &t, false, loc.String()
	}

	return nil, false, ""
}

// cleanDate は数字、T、Z以外の文字を取り除く。
func cleanDate(value string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(value) {
		if (r >= '0' && r <= '9') || r == 'T' || r == 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// isDateTime は YYYYMMDDTHHMMSS 形式かを判定する。
func isDateTime(s string) bool {
	return len(s) == 15 && s[8] == 'T' && isDigits(s[:8]) && isDigits(s[9:])
}

package timezone

import (
	"time"

	"github.com/hitoshi/icalsync/internal/model"
)

// NormalizeIncoming は受信イベントの開始・終了日時をtargetTimezoneへ変換する。
// enabledがfalse、終日イベント、開始または終了が未定義、変換先が解決できない場合は
// 入力をそのまま返す。変換した場合は第2戻り値がtrueになる。
func NormalizeIncoming(ev model.ParsedEvent, targetTimezone string, enabled bool) (model.ParsedEvent, bool) {
	if !enabled || ev.AllDay || ev.Start == nil || ev.End == nil {
		return ev, false
	}

	loc, ok := LoadLocation(targetTimezone)
	if !ok {
		return ev, false
	}

	start := ev.Start.In(loc)
	end := ev.End.In(loc)

	out := ev
	out.Start = &start
	out.End = &end
	return out, true
}

// Offset は指定時刻におけるタイムゾーンのUTCオフセットを返す（夏時間を考慮）。
func Offset(timezoneName string, at time.Time) (time.Duration, bool) {
	loc, ok := LoadLocation(timezoneName)
	if !ok {
		return 0, false
	}
	_, sec := at.In(loc).Zone()
	return time.Duration(sec) * time.Second, true
}

// DetectAndFixDoubleOffset は保存済みイベントの二重オフセットを検出して補正する。
//
// 非UTCのタイムゾーンと保存前の開始日時が記録されているイベントについて、
// 保存された開始日時 == 保存前の開始日時 + オフセット であれば、
// 下流の保存層がオフセットを二重に加算したとみなし、1回分を減算する。
// 終日イベントとUTCのイベントは対象外。補正済みのイベントでは等式が成立しないため、
// 2回適用しても結果は変わらない。
func DetectAndFixDoubleOffset(ev model.StoredEvent) (model.StoredEvent, bool) {
	if ev.AllDay || ev.OriginalStart == nil || ev.Timezone == "" || IsUTC(ev.Timezone) {
		return ev, false
	}

	offset, ok := Offset(ev.Timezone, *ev.OriginalStart)
	if !ok || offset == 0 {
		return ev, false
	}

	if !ev.StartAt.Equal(ev.OriginalStart.Add(offset)) {
		return ev, false
	}

	out := ev
	out.StartAt = ev.StartAt.Add(-offset)
	if ev.EndAt != nil {
		end := ev.EndAt.Add(-offset)
		out.EndAt = &end
	}
	return out, true
}

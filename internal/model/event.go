// Package model はドメインモデルを定義する。
package model

import "time"

// RawFeedDocument はフェッチャーが取得したICSドキュメントを表す。
// Bodyは常にUTF-8へ変換済み。Charsetは宣言または推定された元の文字コード。
type RawFeedDocument struct {
	URL         string
	Body        []byte
	Charset     string
	ContentType string
	FetchedAt   time.Time
	// UsedFallback はセカンダリHTTPクライアントで取得した場合にtrue。
	UsedFallback bool
	// DiscoveredFrom はHTMLページからリンクを辿った場合の元URL。
	DiscoveredFrom string
	// Truncated はボディが上限サイズを超えて切り詰められた場合にtrue。
	Truncated bool
}

// ParsedEvent はVEVENT 1件をパースした結果を表す。
// パーサーが生成した後は変更しない。
type ParsedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       *time.Time
	End         *time.Time
	AllDay      bool
	// SourceTimezone はDTSTARTの解釈に使用したタイムゾーン名（IANA）。
	SourceTimezone string
}

// HasStart は開始日時が設定されているかを返す。
func (e ParsedEvent) HasStart() bool {
	return e.Start != nil && !e.Start.IsZero()
}

// StoredEvent はイベントストアに永続化されたイベントを表す。
type StoredEvent struct {
	ID             string
	ImportSourceID string
	CategoryID     int64
	Subject        string
	Body           string
	Location       string
	StartAt        time.Time
	EndAt          *time.Time
	AllDay         bool
	// Timezone は保存時刻を表現しているタイムゾーン名。空の場合は不明。
	Timezone string
	// OriginalStart は保存を依頼した時点の開始日時。二重オフセット検出に使用する。
	OriginalStart *time.Time
	Disabled      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventFields はイベント作成・更新時にストアへ渡す可変フィールド。
type EventFields struct {
	ImportSourceID string
	CategoryID     int64
	Subject        string
	Body           string
	Location       string
	StartAt        time.Time
	EndAt          *time.Time
	AllDay         bool
	Timezone       string
	OriginalStart  *time.Time
}

// UidMapping はイベントIDとiCalendar UIDの1対1対応を表す。
type UidMapping struct {
	EventID        string
	IcalUID        string
	ImportSourceID string
	LastUpdated    time.Time
}

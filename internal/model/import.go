// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// LogLevel はインポート実行ログの出力レベルを表す。
type LogLevel string

const (
	// LogLevelError はエラーのみを記録する。
	LogLevelError LogLevel = "error"
	// LogLevelWarning は警告以上を記録する。
	LogLevelWarning LogLevel = "warning"
	// LogLevelInfo は情報以上を記録する（デフォルト）。
	LogLevelInfo LogLevel = "info"
	// LogLevelDebug は全てを記録する。
	LogLevelDebug LogLevel = "debug"
)

// ParseLogLevel は文字列をLogLevelに変換する。未知の値はLogLevelInfoとして扱う。
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LogLevelError
	case "warning", "warn":
		return LogLevelWarning
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

// Severity はレベルの重大度を返す。値が大きいほど重大。
func (l LogLevel) Severity() int {
	switch l {
	case LogLevelDebug:
		return 0
	case LogLevelInfo:
		return 1
	case LogLevelWarning:
		return 2
	case LogLevelError:
		return 3
	default:
		return 1
	}
}

// Enables はしきい値lのもとでlevelのログを記録するかを返す。
func (l LogLevel) Enables(level LogLevel) bool {
	return level.Severity() >= l.Severity()
}

// デフォルト値
const (
	DefaultMaxEventsPerRun = 100
	DefaultFetchTimeout    = 20 * time.Second
)

// ImportConfig は1つのICSインポート定義を表す。
// 実行ごとに1回解決され、全コンポーネントに明示的に渡される。
type ImportConfig struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	FeedURL string `yaml:"url" json:"url"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	// CategoryID は作成イベントの所属カテゴリ。
	CategoryID int64 `yaml:"category_id" json:"category_id"`
	// BoardID はスレッド作成先の掲示板。0以下の場合スレッドは作成しない。
	BoardID int64 `yaml:"board_id" json:"board_id"`

	// ConvertTimezone がtrueの場合、受信時刻をTargetTimezoneへ変換する。
	ConvertTimezone bool   `yaml:"convert_timezone" json:"convert_timezone"`
	TargetTimezone  string `yaml:"target_timezone" json:"target_timezone"`

	CreateThreads     bool `yaml:"create_threads" json:"create_threads"`
	AutoMarkPastRead  bool `yaml:"auto_mark_past_read" json:"auto_mark_past_read"`
	MarkUpdatedUnread bool `yaml:"mark_updated_unread" json:"mark_updated_unread"`

	// MaxEvents は1回の実行で処理するイベント数の上限（デフォルト100）。
	MaxEvents int      `yaml:"max_events" json:"max_events"`
	LogLevel  LogLevel `yaml:"log_level" json:"log_level"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	// InsecureSkipVerify はTLS証明書検証を無効化する。
	// セキュリティ上のトレードオフであり、明示的に指定した場合のみ有効。
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Schedule はcron形式の実行スケジュール。空の場合はREFRESH_CRONを使用する。
	Schedule string `yaml:"schedule" json:"schedule"`
}

// Normalize は未設定の項目をデフォルト値で補完する。
func (c *ImportConfig) Normalize(defaultTimezone string) {
	c.ID = strings.TrimSpace(c.ID)
	c.FeedURL = strings.TrimSpace(c.FeedURL)
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEventsPerRun
	}
	c.LogLevel = ParseLogLevel(string(c.LogLevel))
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.TargetTimezone == "" {
		c.TargetTimezone = defaultTimezone
	}
	if c.TargetTimezone == "" {
		c.TargetTimezone = "UTC"
	}
}

// ThreadsEnabled はスレッド作成を実行すべきかを返す。
func (c ImportConfig) ThreadsEnabled() bool {
	return c.CreateThreads && c.BoardID > 0
}

// ImportRun はインポート定義ごとの最終実行記録を表す。
type ImportRun struct {
	ImportSourceID string
	LastRunAt      time.Time
	Imported       int
	Updated        int
	Skipped        int
	ErrorCount     int
	LastError      string
}

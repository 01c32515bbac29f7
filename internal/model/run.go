// Package model はドメインモデルを定義する。
package model

import "time"

// LogEntry は実行ログの1行を表す。
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	UID     string    `json:"uid,omitempty"`
}

// RunSummary は1回の同期実行の結果を表す。
type RunSummary struct {
	RunID          string     `json:"run_id"`
	ImportSourceID string     `json:"import_id"`
	Imported       int        `json:"imported"`
	Updated        int        `json:"updated"`
	Skipped        int        `json:"skipped"`
	Errors         []string   `json:"errors"`
	Logs           []LogEntry `json:"logs,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
}

// Failed はフェッチ失敗などで実行が中断されたかを返す。
func (s RunSummary) Failed() bool {
	return len(s.Errors) > 0
}

// RepairSummary は二重オフセット修復バッチの結果を表す。
// Skippedは同期中のインポートのため修復を見送った候補数。
type RepairSummary struct {
	ImportSourceID string `json:"import_id"`
	Scanned        int    `json:"scanned"`
	Repaired       int    `json:"repaired"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	DryRun         bool   `json:"dry_run"`
}

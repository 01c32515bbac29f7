package resolve

import "github.com/hitoshi/icalsync/internal/model"

// Deduplicate は同一ドキュメント内で重複するUIDを除去する。
// 最初に出現したものを残し、順序は維持する。UIDが空のイベントは常に残す。
func Deduplicate(events []model.ParsedEvent) []model.ParsedEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]model.ParsedEvent, 0, len(events))

	for _, ev := range events {
		if ev.UID != "" {
			if _, dup := seen[ev.UID]; dup {
				continue
			}
			seen[ev.UID] = struct{}{}
		}
		out = append(out, ev)
	}
	return out
}

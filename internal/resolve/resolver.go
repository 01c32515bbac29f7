// Package resolve は受信イベントと保存済みイベントの同一性判定を提供する。
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/icalsync/internal/model"
)

// フォールバック判定の既定値
const (
	DefaultWindow              = 30 * time.Minute
	DefaultSimilarityThreshold = 0.7
)

// MatchKind は同一性判定の根拠を表す。
type MatchKind string

const (
	// MatchByUID はUIDマッピングによる一致。
	MatchByUID MatchKind = "uid"
	// MatchByLocation は開始時刻と場所による一致。
	MatchByLocation MatchKind = "location"
	// MatchByTitle は開始時刻とタイトル類似度による一致。
	MatchByTitle MatchKind = "title"
)

// Match は既存イベントへの一致結果を表す。
type Match struct {
	EventID string
	Kind    MatchKind
	// Similarity はMatchByTitleの場合のタイトル類似度。
	Similarity float64
}

// Fallback はUID以外のプロパティで一致したかを返す。
func (m *Match) Fallback() bool {
	return m.Kind != MatchByUID
}

// Store は同一性判定に必要なイベントストアの参照操作。
type Store interface {
	// FindMappingByUid はUIDに対応するマッピングを取得する。見つからない場合はnilを返す。
	FindMappingByUid(ctx context.Context, uid string) (*model.UidMapping, error)
	// FindEventsNear は開始日時がstart±window内の有効なイベントを保存順に返す。
	FindEventsNear(ctx context.Context, start time.Time, window time.Duration) ([]*model.StoredEvent, error)
}

// Resolver は受信イベントを既存イベントへ対応付ける。
type Resolver struct {
	store     Store
	window    time.Duration
	threshold float64
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:     store,
		window:    DefaultWindow,
		threshold: DefaultSimilarityThreshold,
	}
}

// Resolve はイベントに対応する既存イベントを返す。新規の場合はnilを返す。
//
// 判定順序:
//  1. UIDマッピングの完全一致（以降の判定は行わない）
//  2. 開始時刻が±30分以内で、場所が完全一致（空でない）またはタイトル類似度が0.7以上
//
// 2は保存順で最初に条件を満たした候補を採用する。claimedは同一実行内で
// 既に別のUIDに対応付けたイベントID→UIDで、それらは候補から除外する。
// UIDが空のイベントは常に新規として扱う。
func (r *Resolver) Resolve(ctx context.Context, ev model.ParsedEvent, claimed map[string]string) (*Match, error) {
	if ev.UID == "" {
		return nil, nil
	}

	mapping, err := r.store.FindMappingByUid(ctx, ev.UID)
	if err != nil {
		return nil, fmt.Errorf("UIDマッピングの検索に失敗: %w", err)
	}
	if mapping != nil {
		return &Match{EventID: mapping.EventID, Kind: MatchByUID}, nil
	}

	if !ev.HasStart() {
		return nil, nil
	}

	candidates, err := r.store.FindEventsNear(ctx, *ev.Start, r.window)
	if err != nil {
		return nil, fmt.Errorf("近傍イベントの検索に失敗: %w", err)
	}

	location := strings.TrimSpace(ev.Location)
	for _, c := range candidates {
		if c == nil || c.Disabled {
			continue
		}
		if uid, ok := claimed[c.ID]; ok && uid != ev.UID {
			continue
		}
		if !withinWindow(c.StartAt, *ev.Start, r.window) {
			continue
		}

		if location != "" && strings.TrimSpace(c.Location) == location {
			return &Match{EventID: c.ID, Kind: MatchByLocation}, nil
		}
		if sim := TitleSimilarity(ev.Summary, c.Subject); sim >= r.threshold {
			return &Match{EventID: c.ID, Kind: MatchByTitle, Similarity: sim}, nil
		}
	}

	return nil, nil
}

// withinWindow は|a-b| <= windowを判定する。
func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

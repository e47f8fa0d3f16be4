package browser

import (
	"sort"
	"sync"
	"time"
)

// ContextInfo は開いているコンテキストの情報。
type ContextInfo struct {
	ID       uint64
	Label    string
	OpenedAt time.Time
}

// Tracker はコンテキストのopen/closeを対にして記録し、リークを検出する。
type Tracker struct {
	mu       sync.Mutex
	nextID   uint64
	open     map[uint64]ContextInfo
	now      func() time.Time
	onChange func(open int) // 開いているコンテキスト数の変化通知（メトリクス用）
}

// NewTracker はTrackerを生成する。onChangeはnilでもよい。
func NewTracker(onChange func(open int)) *Tracker {
	return &Tracker{
		open:     make(map[uint64]ContextInfo),
		now:      time.Now,
		onChange: onChange,
	}
}

// Opened はコンテキストのオープンを記録し、Closedに渡すIDを返す。
func (t *Tracker) Opened(label string) uint64 {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.open[id] = ContextInfo{ID: id, Label: label, OpenedAt: t.now()}
	n := len(t.open)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(n)
	}
	return id
}

// Closed はコンテキストのクローズを記録する。同じIDを2回渡しても問題ない。
func (t *Tracker) Closed(id uint64) {
	t.mu.Lock()
	delete(t.open, id)
	n := len(t.open)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(n)
	}
}

// OpenCount は現在開いているコンテキスト数を返す。
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Leaks はolderThanより長く開いたままのコンテキストを古い順に返す。
func (t *Tracker) Leaks(olderThan time.Duration) []ContextInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-olderThan)
	var leaks []ContextInfo
	for _, info := range t.open {
		if info.OpenedAt.Before(cutoff) {
			leaks = append(leaks, info)
		}
	}
	sort.Slice(leaks, func(i, j int) bool { return leaks[i].OpenedAt.Before(leaks[j].OpenedAt) })
	return leaks
}

package orchestrator

import (
	"sync"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// ブレーカーの既定値
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 5 * time.Minute
)

// Breaker はサイトごとのサーキットブレーカー。状態はプロセス内だけで保持する。
//
// 連続失敗がthresholdに達すると開き、cooldownの間は試行を拒否する。
// cooldown経過後は1件だけ試行（プローブ）を許可し、成功で閉じ、失敗で再び開く。
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	states    map[string]*model.CircuitBreakerState
}

// NewBreaker はBreakerを生成する。0以下の値は既定値になる。
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		states:    make(map[string]*model.CircuitBreakerState),
	}
}

// Allow はsiteへの試行を許可するかを判定する。
// 拒否の場合はCircuitOpenErrorを返す。probeがtrueの場合、呼び出し側は
// Success・Failure・Abortのいずれかを必ず呼ぶこと。
func (b *Breaker) Allow(site string) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(site)
	if !st.IsOpen {
		return false, nil
	}

	retryAt := st.OpenedAt.Add(b.cooldown)
	if b.now().Before(retryAt) || st.Probing {
		return false, &model.CircuitOpenError{Site: site, OpenedAt: st.OpenedAt, RetryAt: retryAt}
	}
	st.Probing = true
	return true, nil
}

// Success は成功を記録してブレーカーを閉じる。
func (b *Breaker) Success(site string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b.stateLocked(site) = model.CircuitBreakerState{}
}

// Failure は失敗を記録する。この呼び出しでブレーカーが開いた場合はtrueを返す。
func (b *Breaker) Failure(site string) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(site)
	st.Failures++
	if st.IsOpen {
		// プローブの失敗
		st.OpenedAt = b.now()
		st.Probing = false
		return true
	}
	if st.Failures >= b.threshold {
		st.IsOpen = true
		st.OpenedAt = b.now()
		return true
	}
	return false
}

// Abort は認証を試行しないまま終わったプローブの枠を解放する。
func (b *Breaker) Abort(site string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateLocked(site).Probing = false
}

// State はsiteの状態のコピーを返す。
func (b *Breaker) State(site string) model.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.stateLocked(site)
}

func (b *Breaker) stateLocked(site string) *model.CircuitBreakerState {
	st, ok := b.states[site]
	if !ok {
		st = &model.CircuitBreakerState{}
		b.states[site] = st
	}
	return st
}

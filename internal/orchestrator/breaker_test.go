package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/loginkeeper/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newClock()
	b := NewBreaker(5, 5*time.Minute, clock.Now)

	for i := 1; i <= 4; i++ {
		_, err := b.Allow("market")
		require.NoError(t, err)
		assert.False(t, b.Failure("market"), "failure %d must not open the breaker", i)
	}

	_, err := b.Allow("market")
	require.NoError(t, err)
	assert.True(t, b.Failure("market"))

	_, err = b.Allow("market")
	var open *model.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, "market", open.Site)
	assert.Equal(t, clock.t.Add(5*time.Minute), open.RetryAt)

	// 他サイトには影響しない
	_, err = b.Allow("auction")
	assert.NoError(t, err)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute, newClock().Now)

	b.Failure("market")
	b.Failure("market")
	b.Success("market")
	assert.False(t, b.Failure("market"))
	assert.Equal(t, 1, b.State("market").Failures)
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	clock := newClock()
	b := NewBreaker(1, 5*time.Minute, clock.Now)
	require.True(t, b.Failure("market"))

	clock.Advance(5*time.Minute - time.Second)
	_, err := b.Allow("market")
	require.Error(t, err, "still cooling down")

	clock.Advance(time.Second)
	probe, err := b.Allow("market")
	require.NoError(t, err)
	assert.True(t, probe)

	_, err = b.Allow("market")
	assert.Error(t, err, "only one probe may run at a time")

	// プローブ失敗で再び開き、クールダウンはやり直し
	assert.True(t, b.Failure("market"))
	_, err = b.Allow("market")
	assert.Error(t, err)

	clock.Advance(5 * time.Minute)
	probe, err = b.Allow("market")
	require.NoError(t, err)
	require.True(t, probe)

	b.Success("market")
	st := b.State("market")
	assert.False(t, st.IsOpen)
	assert.Equal(t, 0, st.Failures)

	probe, err = b.Allow("market")
	require.NoError(t, err)
	assert.False(t, probe)
}

func TestBreaker_AbortReleasesProbe(t *testing.T) {
	clock := newClock()
	b := NewBreaker(1, time.Minute, clock.Now)
	b.Failure("market")
	clock.Advance(time.Minute)

	probe, err := b.Allow("market")
	require.NoError(t, err)
	require.True(t, probe)

	b.Abort("market")

	probe, err = b.Allow("market")
	require.NoError(t, err)
	assert.True(t, probe)
	assert.True(t, b.State("market").IsOpen)
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(0, 0, nil)
	assert.Equal(t, DefaultBreakerThreshold, b.threshold)
	assert.Equal(t, DefaultBreakerCooldown, b.cooldown)
}

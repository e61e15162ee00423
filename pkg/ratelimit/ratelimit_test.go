package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInitializeIsExemptFromLimits(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, PerSessionLimit: 1})
	for i := 0; i < 5; i++ {
		assert.True(t, l.Consume("s1", "initialize"))
	}
}

func TestCheckDoesNotMutateState(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, PerSessionLimit: 10})
	d1 := l.Check("s1", "tools/call")
	assert.True(t, d1.Allowed)
	d2 := l.Check("s1", "tools/call")
	assert.True(t, d2.Allowed, "Check must not consume a token")
}

func TestConsumeDeductsExactlyOneToken(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, PerSessionLimit: 10})
	assert.True(t, l.Consume("s1", "tools/call"))
	assert.False(t, l.Consume("s1", "tools/call"))
}

func TestPerSessionLimitIsIndependentOfOtherSessions(t *testing.T) {
	l := New(Config{RPS: 100, Burst: 100, PerSessionLimit: 1})
	assert.True(t, l.Consume("s1", "tools/call"))
	assert.False(t, l.Consume("s1", "tools/call"))
	assert.True(t, l.Consume("s2", "tools/call"))
}

func TestGlobalLimitAppliesAcrossSessions(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, PerSessionLimit: 100})
	assert.True(t, l.Consume("s1", "tools/call"))
	assert.False(t, l.Consume("s2", "tools/call"))
}

func TestReleaseSessionResetsBucket(t *testing.T) {
	l := New(Config{RPS: 100, Burst: 100, PerSessionLimit: 1})
	assert.True(t, l.Consume("s1", "tools/call"))
	assert.False(t, l.Consume("s1", "tools/call"))
	l.ReleaseSession("s1")
	assert.True(t, l.Consume("s1", "tools/call"))
}

func TestCheckReportsRetryAfterWhenExhausted(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, PerSessionLimit: 100})
	require := assert.New(t)
	require.True(l.Consume("s1", "tools/call"))
	d := l.Check("s1", "tools/call")
	require.False(d.Allowed)
	require.Greater(d.RetryAfter, time.Duration(0))
}

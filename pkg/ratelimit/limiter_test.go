package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToMaxThenBlocks(t *testing.T) {
	l := New(2, time.Minute)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiterTracksKeysIndependently(t *testing.T) {
	l := New(1, time.Minute)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
}

func TestLimiterResetsAfterWindowElapses(t *testing.T) {
	l := New(1, time.Millisecond)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.Allow("a"))
}

func TestLimiterWithNonPositiveMaxIsUnlimited(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("a"))
	}
}

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockNow(t *testing.T) {
	clock := NewRealClock()

	before := time.Now()
	now := clock.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}

func TestRealClockSince(t *testing.T) {
	clock := NewRealClock()
	start := time.Now().Add(-time.Minute)

	assert.GreaterOrEqual(t, clock.Since(start), time.Minute)
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewMockClock(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
	assert.Equal(t, 90*time.Second, clock.Since(start))
}

func TestMockClockSet(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))

	target := time.Unix(5000, 0)
	clock.Set(target)
	assert.Equal(t, target, clock.Now())
}

func TestClockInterface(t *testing.T) {
	var _ Clock = NewRealClock()
	var _ Clock = NewMockClock(time.Now())
}

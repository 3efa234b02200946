package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	b := NewBackoff(0, 0, func() float64 { return 1 })

	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 500*time.Millisecond, b.Next())
}

func TestBackoffFullJitter(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, func() float64 { return 0.5 })
	assert.Equal(t, 50*time.Millisecond, b.Next())
	assert.Equal(t, 100*time.Millisecond, b.Next())

	live := NewBackoff(100*time.Millisecond, time.Second, nil)
	for i := 0; i < 50; i++ {
		ceiling := live.Ceiling()
		d := live.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, ceiling+1)
	}
}

func TestBackoffMaxBelowBase(t *testing.T) {
	b := NewBackoff(time.Second, 100*time.Millisecond, func() float64 { return 1 })
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "unprovisioned", StatusUnprovisioned.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "active", StatusActive.String())
	assert.Equal(t, "needs_repairing", StatusNeedsRepairing.String())
	assert.Equal(t, "backing_off", StatusBackingOff.String())
}

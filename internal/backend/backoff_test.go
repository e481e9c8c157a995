package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func within(t *testing.T, d, expected time.Duration, msgAndArgs ...any) {
	t.Helper()
	low := time.Duration(float64(expected) * 0.75)
	high := time.Duration(float64(expected) * 1.25)
	assert.GreaterOrEqual(t, d, low, msgAndArgs...)
	assert.LessOrEqual(t, d, high, msgAndArgs...)
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := newBackoff(5*time.Second, 5*time.Minute)

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second, // capped
		300 * time.Second,
	}
	for i, want := range expected {
		within(t, b.next(), want, "attempt %d", i)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff(5*time.Second, 5*time.Minute)
	for i := 0; i < 5; i++ {
		b.next()
	}

	b.reset()

	assert.Zero(t, b.attempt)
	within(t, b.next(), 5*time.Second)
}

func TestBackoff_MaxBelowBase(t *testing.T) {
	b := newBackoff(time.Second, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		within(t, b.next(), time.Second)
	}
}

func TestBackoff_JitterVariance(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[newBackoff(5*time.Second, 5*time.Minute).next()] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary delays")
}

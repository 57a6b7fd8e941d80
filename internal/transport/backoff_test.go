package transport

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinearBackoff(t *testing.T) {
	b := LinearBackoff(2 * time.Second)
	assert.Equal(t, time.Duration(0), b(0))
	assert.Equal(t, 2*time.Second, b(1))
	assert.Equal(t, 4*time.Second, b(2))
	assert.Equal(t, time.Duration(0), LinearBackoff(0)(3))
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	b := ExponentialBackoff{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1, nil))
	assert.Equal(t, 2*time.Second, b.Delay(2, nil))
	assert.Equal(t, 4*time.Second, b.Delay(3, nil))
	assert.Equal(t, 5*time.Second, b.Delay(4, nil))
	assert.Equal(t, 5*time.Second, b.Delay(40, nil))
}

func TestExponentialBackoffJitterRange(t *testing.T) {
	b := ExponentialBackoff{InitialDelay: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		d := b.Delay(1, rng)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestSleepCtxStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_ExecutesImmediatelyWithinBurst(t *testing.T) {
	posted := make(chan func(), 8)
	rl := newRateLimiter(4, 1000, func(fn func()) { posted <- fn })
	tok := newCancellationTokenSource().token()

	ran := make(chan struct{}, 1)
	rl.execute(tok, func() { ran <- struct{}{} })

	select {
	case <-ran:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("work within the burst capacity should run without a post")
	}
	assert.Empty(t, posted)
}

func TestRateLimiter_DropsWorkForCancelledToken(t *testing.T) {
	src := newCancellationTokenSource()
	src.cancel()

	rl := newRateLimiter(4, 1000, func(fn func()) { fn() })
	ran := false
	rl.execute(src.token(), func() { ran = true })

	assert.False(t, ran)
}

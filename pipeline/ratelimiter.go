package pipeline

import (
	"time"

	"golang.org/x/time/rate"
)

// defaultBucketCapacity and defaultRefillRate are the token-bucket
// defaults: a bucket of 30 tokens refilling at 80/second.
const (
	defaultBucketCapacity = 30
	defaultRefillRate     = 80
)

// rateLimiter gates work submission with a token-bucket discipline,
// absorbing bursty subscribe/cancel churn. All scheduling happens by
// posting closures back onto the orchestrator's serial context via
// post, so the bucket itself needs no lock: it is only ever touched
// from that one goroutine.
type rateLimiter struct {
	limiter *rate.Limiter
	post    func(fn func())
}

func newRateLimiter(capacity int, refillPerSecond float64, post func(fn func())) *rateLimiter {
	if capacity <= 0 {
		capacity = defaultBucketCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = defaultRefillRate
	}
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		post:    post,
	}
}

// execute runs work immediately if a token is available, else reserves the
// next token and runs work once the reservation's delay has elapsed. A
// deferred work whose token has cancelled by the time that delay fires is
// dropped without invocation.
func (rl *rateLimiter) execute(tok *cancellationToken, work func()) {
	if tok.isCancelling() {
		return
	}
	reservation := rl.limiter.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		// Should not happen with N=1 against a positive-capacity bucket,
		// but fail open rather than wedge the caller.
		work()
		return
	}
	delay := reservation.Delay()
	if delay <= 0 {
		work()
		return
	}
	time.AfterFunc(delay, func() {
		rl.post(func() {
			if tok.isCancelling() {
				return
			}
			work()
		})
	})
}

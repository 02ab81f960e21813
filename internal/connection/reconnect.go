package connection

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: Interval * 2^(attempt-1), optionally
// capped at Max. There is no jitter.
type Backoff struct {
	Interval time.Duration
	Max      time.Duration // Zero means uncapped
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := b.Interval
	for i := 1; i < attempt && wait > 0; i++ {
		if wait > math.MaxInt64/2 {
			wait = math.MaxInt64
			break
		}
		wait *= 2
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	return wait
}

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// reconnector holds the retry counter and the single outstanding timer.
// All fields are guarded by the client mutex.
type reconnector struct {
	attempts int
	token    uint64
	stop     func() bool
}

// next reserves the next attempt and returns its delay, or false once
// max attempts have been used.
func (r *reconnector) next(s settings) (time.Duration, bool) {
	if r.attempts >= s.maxReconnectAttempts {
		return 0, false
	}
	r.attempts++
	b := Backoff{Interval: s.reconnectInterval, Max: s.reconnectMaxInterval}
	return b.Delay(r.attempts), true
}

// reset clears the counter after a successful open.
func (r *reconnector) reset() {
	r.attempts = 0
}

// arm replaces any pending timer with one that calls fire(token) after d.
func (r *reconnector) arm(after afterFunc, d time.Duration, fire func(token uint64)) {
	r.cancel()
	token := r.token
	r.stop = after(d, func() { fire(token) })
}

// cancel stops the pending timer, if any, and invalidates callbacks that
// already fired but have not yet acquired the lock.
func (r *reconnector) cancel() bool {
	r.token++
	if r.stop == nil {
		return false
	}
	r.stop()
	r.stop = nil
	return true
}

// pending reports whether a timer is armed.
func (r *reconnector) pending() bool {
	return r.stop != nil
}

// claim consumes a fired timer. It returns false for a stale token.
func (r *reconnector) claim(token uint64) bool {
	if r.stop == nil || token != r.token {
		return false
	}
	r.stop = nil
	return true
}

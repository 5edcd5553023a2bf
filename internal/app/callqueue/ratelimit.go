package callqueue

import (
	"time"

	"github.com/dkeye/onair/internal/domain"
)

// RateLimiter is a sliding-window limiter keyed by caller. It is guarded by
// the queue's owner like the rest of the queue.
type RateLimiter struct {
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(uid domain.UserID, now time.Time) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops history older than the window so idle callers do not pile up.
func (rl *RateLimiter) Forget(now time.Time) {
	if rl == nil {
		return
	}
	windowStart := now.Add(-rl.interval)
	for uid, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, uid)
		}
	}
}

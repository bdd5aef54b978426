package daemon

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"bundlebridge/internal/clock"
)

// maxTrackedCallers bounds the limiter's memory; the least recently seen
// caller is forgotten first.
const maxTrackedCallers = 4096

// rateLimiter allows at most max requests per caller in any sliding window.
type rateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	clock   clock.Clock
	callers *lru.Cache[string, []time.Time]
}

func newRateLimiter(max int, window time.Duration, clk clock.Clock) *rateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	callers, _ := lru.New[string, []time.Time](maxTrackedCallers)
	return &rateLimiter{max: max, window: window, clock: clk, callers: callers}
}

// Allow records a request from caller. When the caller is over its limit it
// returns false and how long until the oldest request leaves the window.
func (l *rateLimiter) Allow(caller string) (bool, time.Duration) {
	if l == nil || l.max <= 0 || l.window <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	hits, _ := l.callers.Get(caller)
	kept := hits[:0]
	for _, at := range hits {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.max {
		l.callers.Add(caller, kept)
		retry := kept[0].Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}
	l.callers.Add(caller, append(kept, now))
	return true, 0
}

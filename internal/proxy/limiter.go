package proxy

import (
	"sync"
	"time"
)

const limiterSweepThreshold = 1024

// SlidingWindow is a per-caller sliding-window log limiter: at most limit
// calls in any window-long interval.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
}

// NewSlidingWindow returns a limiter. A non-positive limit disables it.
func NewSlidingWindow(limit int, window time.Duration, now func() time.Time) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a call for caller when it fits the budget. Otherwise it
// returns false and the delay until the oldest call leaves the window.
func (l *SlidingWindow) Allow(caller string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if len(l.hits) > limiterSweepThreshold {
		l.sweepLocked(cutoff)
	}

	log := prune(l.hits[caller], cutoff)
	if len(log) >= l.limit {
		l.hits[caller] = log
		return false, log[0].Add(l.window).Sub(now)
	}
	l.hits[caller] = append(log, now)
	return true, 0
}

// remaining reports how many calls caller may still make right now.
func (l *SlidingWindow) remaining(caller string) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	log := prune(l.hits[caller], l.now().Add(-l.window))
	l.hits[caller] = log
	return l.limit - len(log)
}

func (l *SlidingWindow) sweepLocked(cutoff time.Time) {
	for caller, log := range l.hits {
		log = prune(log, cutoff)
		if len(log) == 0 {
			delete(l.hits, caller)
			continue
		}
		l.hits[caller] = log
	}
}

func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	return log[i:]
}

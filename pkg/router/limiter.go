package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// subscriberLimiter enforces each user's notifications-per-hour budget with
// a token bucket refilled at maxPerHour per hour. Idle entries are purged
// by the kernel's rate-window loop.
type subscriberLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	clock   func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	maxPerHour int
	lastSeen   time.Time
}

func newSubscriberLimiter(clock func() time.Time) *subscriberLimiter {
	return &subscriberLimiter{
		entries: make(map[string]*limiterEntry),
		clock:   clock,
	}
}

// allow consumes one notification slot for the user if the hourly budget
// has room. maxPerHour <= 0 means unlimited.
func (l *subscriberLimiter) allow(userID string, maxPerHour int) bool {
	if maxPerHour <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[userID]
	if !ok || e.maxPerHour != maxPerHour {
		e = &limiterEntry{
			limiter:    rate.NewLimiter(rate.Limit(float64(maxPerHour)/3600.0), maxPerHour),
			maxPerHour: maxPerHour,
		}
		l.entries[userID] = e
	}
	e.lastSeen = l.clock()
	return e.limiter.AllowN(l.clock(), 1)
}

// purgeStale drops limiter entries idle since before cutoff and returns how
// many were removed.
func (l *subscriberLimiter) purgeStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	purged := 0
	for userID, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, userID)
			purged++
		}
	}
	return purged
}

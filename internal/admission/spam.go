package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedSpamKeys bounds the number of (user, channel) pairs tracked at
// once, mirroring the teacher's WebhookRateLimiter cap against memory
// exhaustion from an attacker rotating identities.
const maxTrackedSpamKeys = 8192

type spamEntry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// SpamLimiter is a token-bucket rate limiter per (userId, channelId) key,
// backing the admission pipeline's spam check (spec §4.5 step 4).
type SpamLimiter struct {
	mu       sync.Mutex
	entries  map[string]*spamEntry
	rateHz   rate.Limit
	burst    int
	maxIdle  time.Duration
}

// NewSpamLimiter builds a limiter allowing burst messages immediately and
// refilling at rateHz per second thereafter.
func NewSpamLimiter(rateHz float64, burst int) *SpamLimiter {
	return &SpamLimiter{
		entries: make(map[string]*spamEntry),
		rateHz:  rate.Limit(rateHz),
		burst:   burst,
		maxIdle: 5 * time.Minute,
	}
}

// Allow reports whether a message on key may proceed, consuming a token if
// so. It lazily creates a bucket per key and prunes idle buckets once the
// tracked-key cap is reached.
func (l *SpamLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.entries) >= maxTrackedSpamKeys {
		l.evictIdleLocked(now)
	}

	e, ok := l.entries[key]
	if !ok {
		e = &spamEntry{limiter: rate.NewLimiter(l.rateHz, l.burst)}
		l.entries[key] = e
	}
	e.lastSeenAt = now
	return e.limiter.Allow()
}

func (l *SpamLimiter) evictIdleLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeenAt) >= l.maxIdle {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedSpamKeys {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}

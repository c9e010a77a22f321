package admission

import (
	"sync"
	"time"
)

// NoticeLimiter decides whether a blocked author should be re-notified,
// suppressing repeat notices within a cooldown window (SPEC_FULL.md's
// supplemented author-notice feature). Grounded on the same bounded-map
// idle-eviction shape as SpamLimiter/the teacher's WebhookRateLimiter.
type NoticeLimiter struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration
	maxIdle  time.Duration
}

// NewNoticeLimiter builds a limiter that allows one notice per key every
// cooldown interval.
func NewNoticeLimiter(cooldown time.Duration) *NoticeLimiter {
	return &NoticeLimiter{
		lastSent: make(map[string]time.Time),
		cooldown: cooldown,
		maxIdle:  24 * time.Hour,
	}
}

// ShouldNotify reports whether a notice for key may be sent now, recording
// the attempt if so.
func (l *NoticeLimiter) ShouldNotify(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.lastSent) >= maxTrackedSpamKeys {
		for k, t := range l.lastSent {
			if now.Sub(t) >= l.maxIdle {
				delete(l.lastSent, k)
			}
		}
	}

	if last, ok := l.lastSent[key]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.lastSent[key] = now
	return true
}

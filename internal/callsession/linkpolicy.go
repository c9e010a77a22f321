package callsession

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// defaultAllowedHosts is the TTL-refreshed allowlist of link hosts call
// messages may contain; anything else is blocked (spec §4.9 step 3).
var defaultAllowedHosts = []string{"tenor.com", "giphy.com", "media.giphy.com"}

// LinkPolicy blocks any message containing a URL whose host is not on the
// allowlist. The allowlist itself is refreshed on a TTL so an operator can
// widen or narrow it (via SetAllowedHosts) without a restart.
type LinkPolicy struct {
	mu          sync.RWMutex
	hosts       map[string]struct{}
	refreshedAt time.Time
	ttl         time.Duration
}

// NewLinkPolicy builds a LinkPolicy seeded with the default allowlist.
func NewLinkPolicy(ttl time.Duration) *LinkPolicy {
	p := &LinkPolicy{ttl: ttl}
	p.SetAllowedHosts(defaultAllowedHosts)
	return p
}

// SetAllowedHosts replaces the allowlist and resets its refresh clock.
func (p *LinkPolicy) SetAllowedHosts(hosts []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		m[strings.ToLower(h)] = struct{}{}
	}
	p.hosts = m
	p.refreshedAt = time.Now()
}

// Stale reports whether the allowlist has outlived its TTL and should be
// refreshed by the caller before the next check.
func (p *LinkPolicy) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ttl > 0 && time.Since(p.refreshedAt) >= p.ttl
}

// Allow reports whether text contains no links, or only links whose host is
// on the allowlist.
func (p *LinkPolicy) Allow(text string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, raw := range urlPattern.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		if !p.hostAllowedLocked(u.Hostname()) {
			return false
		}
	}
	return true
}

func (p *LinkPolicy) hostAllowedLocked(host string) bool {
	host = strings.ToLower(host)
	if _, ok := p.hosts[host]; ok {
		return true
	}
	for allowed := range p.hosts {
		if strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

package admission

import (
	"strings"
	"sync"

	"github.com/interchat/core/internal/model"
)

// AntiSwear matches message text against a hub's configured wordlist, per
// spec §4.5 step 6. The global default wordlist is hot-reloadable (see
// internal/config.WatchAntiSwearWordlist); per-hub words from
// hub.Settings.AntiSwearWords are always checked in addition.
type AntiSwear struct {
	mu           sync.RWMutex
	globalWords  []string
	defaultAction Action
}

// NewAntiSwear constructs a matcher that applies defaultAction to every
// match; hubs have no per-hub action setting. An empty defaultAction
// becomes ActionBlock.
func NewAntiSwear(defaultAction Action) *AntiSwear {
	if defaultAction == "" {
		defaultAction = ActionBlock
	}
	return &AntiSwear{defaultAction: defaultAction}
}

// SetGlobalWordlist replaces the global wordlist, called by the fsnotify
// watcher whenever the on-disk list changes.
func (a *AntiSwear) SetGlobalWordlist(words []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.globalWords = words
}

// Scan checks text against hub's configured words plus the global list,
// returning the remediation action, any replacement text (for
// ActionReplace), and the matched term.
func (a *AntiSwear) Scan(hub model.Hub, text string) (action Action, rewritten string, matched string) {
	a.mu.RLock()
	global := a.globalWords
	a.mu.RUnlock()

	lower := strings.ToLower(text)
	for _, word := range append(append([]string{}, hub.Settings.AntiSwearWords...), global...) {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) {
			if a.defaultAction == ActionReplace {
				return ActionReplace, replaceTerm(text, word), word
			}
			return a.defaultAction, "", word
		}
	}
	return "", text, ""
}

func replaceTerm(text, word string) string {
	lower := strings.ToLower(text)
	target := strings.ToLower(word)
	var b strings.Builder
	for {
		idx := strings.Index(lower, target)
		if idx < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:idx])
		b.WriteString(strings.Repeat("*", len(word)))
		text = text[idx+len(word):]
		lower = lower[idx+len(word):]
	}
	return b.String()
}

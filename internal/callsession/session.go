// Package callsession implements the Call Session of spec §4.9: message
// relay between the two channels of an ActiveCall, call-specific admission
// checks, a bounded recent-messages ring, and typing-indicator coalescing.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/interchat/core/internal/admission"
	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
)

// Manager relays messages between the two sides of active calls.
type Manager struct {
	calls     store.CallStore
	cache     *cache.Cache
	transport transport.Transport
	spam      *admission.SpamLimiter
	links     *LinkPolicy
	filter    admission.ContentFilter
	typing    *TypingRelay

	reportWindow time.Duration

	mu         sync.Mutex
	replyIndex map[string]map[string]int // callID -> (messageID -> ring index)
}

// New constructs a Manager. reportWindow is how long an ended call's
// recent-messages ring is retained for moderation (spec §4.9 Cleanup, §4.10).
func New(calls store.CallStore, c *cache.Cache, t transport.Transport, spam *admission.SpamLimiter, links *LinkPolicy, filter admission.ContentFilter, reportWindow time.Duration) *Manager {
	return &Manager{
		calls:        calls,
		cache:        c,
		transport:    t,
		spam:         spam,
		links:        links,
		filter:       filter,
		typing:       NewTypingRelay(t),
		reportWindow: reportWindow,
		replyIndex:   make(map[string]map[string]int),
	}
}

// HasActiveCall implements processor.CallRouter.
func (m *Manager) HasActiveCall(ctx context.Context, channelID string) (bool, error) {
	_, err := m.cache.GetActiveCall(ctx, channelID)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check active call: %w", err)
	}
	return true, nil
}

// RouteMessage implements processor.CallRouter by running the onCallMessage
// algorithm (spec §4.9).
func (m *Manager) RouteMessage(ctx context.Context, in transport.InboundMessage) error {
	callID, err := m.cache.GetActiveCall(ctx, in.ChannelID)
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active call for channel: %w", err)
	}

	call, err := m.calls.FindActiveCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load active call: %w", err)
	}
	peer, ok := call.Peer(in.ChannelID)
	if !ok {
		return nil
	}

	spamKey := in.AuthorID + "|" + in.ChannelID
	blocked, reason := "", ""
	switch {
	case !m.spam.Allow(spamKey):
		blocked, reason = "spam", "rate limited"
	case !m.links.Allow(in.Content):
		blocked, reason = "link", "link not on the call allowlist"
	default:
		nsfw, category, err := m.filter.Classify(ctx, in.Content, in.AttachmentURL)
		if err != nil {
			return fmt.Errorf("classify call message: %w", err)
		}
		if nsfw {
			blocked, reason = category, "content policy"
		}
	}

	ring, err := m.cache.GetCallMessages(ctx, callID)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return fmt.Errorf("load call ring: %w", err)
	}

	if blocked != "" {
		ring = appendToRing(ring, model.CallMessage{
			Timestamp: time.Now(), AuthorID: in.AuthorID, AuthorName: in.AuthorName,
			Content: "[BLOCKED]", ReplyToIndex: -1, Blocked: true,
		})
		if err := m.cache.SetCallMessages(ctx, callID, ring, m.reportWindow); err != nil {
			return fmt.Errorf("persist call ring: %w", err)
		}
		if peer.WebhookURL != "" {
			_, _ = m.transport.SendWebhook(ctx, peer.WebhookURL, transport.WebhookPayload{
				Text: "A message from your call partner was blocked (" + reason + ").", Compact: true,
			})
		}
		return nil
	}

	payload := transport.WebhookPayload{
		Text: in.Content, AuthorName: in.AuthorName, AuthorAvatar: in.AuthorAvatar,
	}
	if in.AttachmentURL != "" {
		payload.Attachments = []string{in.AttachmentURL}
	}
	if in.RepliedToID != "" {
		if idx, ok := m.resolveReply(callID, in.RepliedToID); ok && idx < len(ring) {
			payload.ReplyExcerpt = excerpt(ring[idx].Content)
		}
	}

	if peer.WebhookURL != "" {
		if _, err := m.transport.SendWebhook(ctx, peer.WebhookURL, payload); err != nil {
			return fmt.Errorf("relay call message: %w", err)
		}
	}

	replyToIdx := -1
	if in.RepliedToID != "" {
		if idx, ok := m.resolveReply(callID, in.RepliedToID); ok {
			replyToIdx = idx
		}
	}
	beforeLen := len(ring)
	ring = appendToRing(ring, model.CallMessage{
		Timestamp: time.Now(), AuthorID: in.AuthorID, AuthorName: in.AuthorName,
		Content: in.Content, AttachmentURL: in.AttachmentURL, ReplyToIndex: replyToIdx,
	})
	overflow := (beforeLen + 1) - len(ring)
	if overflow < 0 {
		overflow = 0
	}
	m.recordReplyIndex(callID, in.MessageID, len(ring)-1, overflow)

	if err := m.cache.SetCallMessages(ctx, callID, ring, m.reportWindow); err != nil {
		return fmt.Errorf("persist call ring: %w", err)
	}
	return nil
}

// RelayTyping forwards a typing event to the call peer, if any (spec §4.9
// Typing indicator).
func (m *Manager) RelayTyping(ctx context.Context, channelID string) error {
	callID, err := m.cache.GetActiveCall(ctx, channelID)
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active call for typing: %w", err)
	}
	call, err := m.calls.FindActiveCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load active call for typing: %w", err)
	}
	peer, ok := call.Peer(channelID)
	if !ok {
		return nil
	}
	return m.typing.Relay(ctx, channelID, peer.ChannelID)
}

// Cleanup releases the in-memory reply-index bookkeeping for an ended call;
// callers should invoke it alongside matchmaker.Hangup (spec §4.9 Cleanup).
func (m *Manager) Cleanup(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replyIndex, callID)
}

// resolveReply maps a previously observed message id to its ring index.
// This index is process-local best-effort bookkeeping: store.CallStore has
// no field for it, and the durable ring (model.CallMessage) only carries the
// resolved index once a reply is made, not the source message ids.
func (m *Manager) resolveReply(callID, messageID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.replyIndex[callID][messageID]
	return idx, ok
}

func (m *Manager) recordReplyIndex(callID, messageID string, index, trimOverflow int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMsg, ok := m.replyIndex[callID]
	if !ok {
		byMsg = make(map[string]int)
		m.replyIndex[callID] = byMsg
	}
	if trimOverflow > 0 {
		for id, i := range byMsg {
			if i < trimOverflow {
				delete(byMsg, id)
				continue
			}
			byMsg[id] = i - trimOverflow
		}
	}
	byMsg[messageID] = index
}

func excerpt(text string) string {
	const maxLen = 80
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "…"
}

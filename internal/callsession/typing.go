package callsession

import (
	"context"
	"time"

	"github.com/interchat/core/internal/admission"
	"github.com/interchat/core/internal/transport"
)

// typingRefractory bounds how often a "peer is typing" notice is re-sent for
// the same channel pair (spec §4.9 Typing indicator).
const typingRefractory = 8 * time.Second

// TypingRelay coalesces per-channel typing events from one side of a call to
// the other, suppressing repeat emissions within a short refractory period.
type TypingRelay struct {
	transport transport.Transport
	limiter   *admission.NoticeLimiter
}

// NewTypingRelay builds a TypingRelay.
func NewTypingRelay(t transport.Transport) *TypingRelay {
	return &TypingRelay{transport: t, limiter: admission.NewNoticeLimiter(typingRefractory)}
}

// Relay forwards a typing event from sourceChannelID to peerChannelID,
// coalescing bursts per sourceChannelID.
func (r *TypingRelay) Relay(ctx context.Context, sourceChannelID, peerChannelID string) error {
	if !r.limiter.ShouldNotify(sourceChannelID) {
		return nil
	}
	return r.transport.SendTyping(ctx, peerChannelID)
}

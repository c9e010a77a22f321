// Package matchmaker implements the Call Matchmaker of spec §4.8: a shared
// FIFO queue pairing two eligible channels into an ActiveCall, with a
// recent-match cooldown preventing immediate re-pairing.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
)

// Outcome is the result of InitiateCall/Skip.
type Outcome int

const (
	Queued Outcome = iota
	Connected
	AlreadyInCall
	Denied
)

// Matchmaker pairs waiting CallRequest entries into ActiveCall sessions.
type Matchmaker struct {
	queue       store.MatchmakerStore
	calls       store.CallStore
	bans        store.BanStore
	connections store.ConnectionStore
	hubs        store.HubStore
	cache       *cache.Cache
	transport   transport.Transport
	cooldown    time.Duration
	maxWaitTime time.Duration
}

// New constructs a Matchmaker. cooldown is the RecentMatch TTL; maxWaitTime
// is the sweeper's stale-entry threshold (spec §4.8 Liveness).
func New(queue store.MatchmakerStore, calls store.CallStore, bans store.BanStore, connections store.ConnectionStore, hubs store.HubStore, c *cache.Cache, t transport.Transport, cooldown, maxWaitTime time.Duration) *Matchmaker {
	return &Matchmaker{queue: queue, calls: calls, bans: bans, connections: connections, hubs: hubs, cache: c, transport: t, cooldown: cooldown, maxWaitTime: maxWaitTime}
}

// pairKey returns a canonical, order-independent key for a channel pair, used
// both to record and to check RecentMatch entries.
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// InitiateCall implements spec §4.8's initiateCall algorithm.
func (m *Matchmaker) InitiateCall(ctx context.Context, channelID, userID, serverID, webhookURL string) (Outcome, string, error) {
	if _, err := m.cache.GetActiveCall(ctx, channelID); err == nil {
		return AlreadyInCall, "", nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return Denied, "", fmt.Errorf("check active call: %w", err)
	}

	// The server-ban and hub-policy checks are independent lookups against
	// separate stores; fetch them in parallel and aggregate their errors.
	var serverBanned, hubIncompatible bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := m.bans.FindActiveServerBan(gctx, serverID); err == nil {
			serverBanned = true
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check server ban: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		conn, err := m.connections.FindConnection(gctx, channelID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check hub connection: %w", err)
		}
		hub, err := m.hubs.FindHub(gctx, conn.HubID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load connected hub: %w", err)
		}
		if hub.Settings.NSFWAllowed {
			hubIncompatible = true
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Denied, "", err
	}
	if serverBanned || hubIncompatible {
		return Denied, "", nil
	}

	exclude := func(q model.CallRequest) bool {
		if q.ChannelID == channelID || q.ServerID == serverID {
			return true
		}
		recent, err := m.cache.IsRecentMatch(ctx, pairKey(channelID, q.ChannelID))
		return err == nil && recent
	}

	req, found, err := m.queue.DequeueCallRequest(ctx, exclude)
	if err != nil {
		return Denied, "", fmt.Errorf("dequeue call request: %w", err)
	}
	if !found {
		if err := m.queue.EnqueueCallRequest(ctx, model.CallRequest{
			ChannelID: channelID, UserID: userID, ServerID: serverID,
			WebhookURL: webhookURL, EnqueuedAt: time.Now(),
		}); err != nil {
			return Denied, "", fmt.Errorf("enqueue call request: %w", err)
		}
		return Queued, "", nil
	}

	callID := uuid.NewString()
	call := model.ActiveCall{
		CallID:    callID,
		StartedAt: time.Now(),
		Status:    model.CallStatusActive,
		Participants: [2]model.CallParticipant{
			{ChannelID: channelID, ServerID: serverID, WebhookURL: webhookURL, Users: map[string]struct{}{userID: {}}, JoinedAt: time.Now()},
			{ChannelID: req.ChannelID, ServerID: req.ServerID, WebhookURL: req.WebhookURL, Users: map[string]struct{}{req.UserID: {}}, JoinedAt: time.Now()},
		},
	}
	if _, err := m.calls.CreateActiveCall(ctx, call); err != nil {
		return Denied, "", fmt.Errorf("create active call: %w", err)
	}
	if err := m.cache.SetActiveCall(ctx, channelID, callID); err != nil {
		return Denied, "", fmt.Errorf("map channel to call: %w", err)
	}
	if err := m.cache.SetActiveCall(ctx, req.ChannelID, callID); err != nil {
		return Denied, "", fmt.Errorf("map peer channel to call: %w", err)
	}

	m.notify(ctx, webhookURL, "Connected to a new call partner.")
	m.notify(ctx, req.WebhookURL, "Connected to a new call partner.")

	return Connected, callID, nil
}

// Hangup implements spec §4.8's hangup algorithm.
func (m *Matchmaker) Hangup(ctx context.Context, channelID, userID string) error {
	callID, err := m.cache.GetActiveCall(ctx, channelID)
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active call: %w", err)
	}

	call, err := m.calls.FindActiveCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load active call: %w", err)
	}
	peer, hasPeer := call.Peer(channelID)

	if _, err := m.calls.EndActiveCall(ctx, callID, time.Now()); err != nil {
		return fmt.Errorf("end active call: %w", err)
	}
	if err := m.cache.ClearActiveCall(ctx, channelID); err != nil {
		return fmt.Errorf("unmap channel: %w", err)
	}
	if hasPeer {
		if err := m.cache.ClearActiveCall(ctx, peer.ChannelID); err != nil {
			return fmt.Errorf("unmap peer channel: %w", err)
		}
		if err := m.cache.SetRecentMatch(ctx, pairKey(channelID, peer.ChannelID), m.cooldown); err != nil {
			return fmt.Errorf("record recent match: %w", err)
		}
		m.notify(ctx, peer.WebhookURL, "Your call partner has disconnected.")
	}
	return nil
}

// Skip atomically hangs up the caller's current call (if any) and attempts a
// fresh pairing (spec §4.8).
func (m *Matchmaker) Skip(ctx context.Context, channelID, userID, serverID, webhookURL string) (Outcome, string, error) {
	if err := m.Hangup(ctx, channelID, userID); err != nil {
		return Denied, "", fmt.Errorf("hangup before skip: %w", err)
	}
	return m.InitiateCall(ctx, channelID, userID, serverID, webhookURL)
}

// SweepStale prunes queue entries older than maxWaitTime, notifying each
// owning channel once (spec §4.8 Liveness).
func (m *Matchmaker) SweepStale(ctx context.Context) (int, error) {
	pruned, err := m.queue.SweepStaleCallRequests(ctx, m.maxWaitTime)
	if err != nil {
		return 0, fmt.Errorf("sweep stale call requests: %w", err)
	}
	for _, req := range pruned {
		m.notify(ctx, req.WebhookURL, "No call partner was found in time; the request has expired.")
	}
	return len(pruned), nil
}

func (m *Matchmaker) notify(ctx context.Context, webhookURL, text string) {
	if webhookURL == "" {
		return
	}
	_, _ = m.transport.SendWebhook(ctx, webhookURL, transport.WebhookPayload{Text: text, Compact: true})
}

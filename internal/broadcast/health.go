package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/interchat/core/internal/store"
)

// disconnectAfterUnhealthyEpisodes bounds how many failures a Connection may
// accumulate while already marked unhealthy, with no successful delivery in
// between, before the health tracker disconnects it outright (§7's
// escalation from unhealthy to disconnected).
const disconnectAfterUnhealthyEpisodes = 3

// connectionHealth tracks per-connection failure escalation across the
// TransientTransportFailure and PermanentTransportFailure paths of §7.
type connectionHealth struct {
	connections store.ConnectionStore

	mu       sync.Mutex
	episodes map[string]int // channelID -> failures recorded while unhealthy
}

func newConnectionHealth(s store.ConnectionStore) *connectionHealth {
	return &connectionHealth{connections: s, episodes: make(map[string]int)}
}

// recordTransientFailure bumps the failure streak; the store marks the
// connection unhealthy once the streak crosses its threshold. Fan-out does
// not skip unhealthy connections, so deliveries to them continue. Every
// failure recorded while it is unhealthy counts toward
// disconnectAfterUnhealthyEpisodes; at that count it is disconnected
// outright. recordSuccess resets the count.
func (h *connectionHealth) recordTransientFailure(ctx context.Context, channelID string) error {
	conn, err := h.connections.RecordConnectionFailure(ctx, channelID)
	if err != nil {
		return fmt.Errorf("record connection failure: %w", err)
	}
	if !conn.Unhealthy {
		return nil
	}

	h.mu.Lock()
	h.episodes[channelID]++
	episodes := h.episodes[channelID]
	h.mu.Unlock()

	if episodes < disconnectAfterUnhealthyEpisodes {
		return nil
	}
	if err := h.connections.SetConnectionConnected(ctx, channelID, false); err != nil {
		return fmt.Errorf("disconnect chronically unhealthy connection: %w", err)
	}
	return nil
}

// recordPermanentFailure clears the dead webhook so the next broadcast
// attempts re-provisioning (spec §7's PermanentTransportFailure path). The
// caller is responsible for disconnecting the Connection if re-provisioning
// then fails (see Service.deliverToSibling).
func (h *connectionHealth) recordPermanentFailure(ctx context.Context, channelID string) error {
	if err := h.connections.SetConnectionWebhookURL(ctx, channelID, ""); err != nil {
		return fmt.Errorf("clear dead webhook: %w", err)
	}
	return nil
}

// disconnect marks the Connection disconnected, used when re-provisioning a
// cleared webhook fails.
func (h *connectionHealth) disconnect(ctx context.Context, channelID string) error {
	if err := h.connections.SetConnectionConnected(ctx, channelID, false); err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	return nil
}

// recordSuccess resets the failure streak and clears unhealthy escalation
// state on a successful delivery.
func (h *connectionHealth) recordSuccess(ctx context.Context, channelID string) error {
	h.mu.Lock()
	delete(h.episodes, channelID)
	h.mu.Unlock()
	if err := h.connections.ResetConnectionHealth(ctx, channelID); err != nil {
		return fmt.Errorf("reset connection health: %w", err)
	}
	return nil
}

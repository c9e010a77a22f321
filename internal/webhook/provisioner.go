// Package webhook implements the Webhook Provisioner of spec §4.11:
// idempotent outbound webhook creation/lookup per channel.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
)

// ErrUnavailable is returned when a webhook cannot be obtained for a
// channel (creation failed and no pre-existing webhook was found).
var ErrUnavailable = errors.New("webhook: unavailable")

// Provisioner resolves a durable webhook URL per channel, deduplicating
// concurrent callers on the same channel behind a per-channel mutex so they
// converge on one webhook instead of racing to create duplicates.
type Provisioner struct {
	transport   transport.Transport
	connections store.ConnectionStore

	mu     sync.Mutex
	inFlight map[string]*sync.Mutex
}

// New constructs a Provisioner.
func New(t transport.Transport, connections store.ConnectionStore) *Provisioner {
	return &Provisioner{transport: t, connections: connections, inFlight: make(map[string]*sync.Mutex)}
}

func (p *Provisioner) channelLock(channelID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.inFlight[channelID]
	if !ok {
		l = &sync.Mutex{}
		p.inFlight[channelID] = l
	}
	return l
}

// GetOrCreateWebhook returns channelID's persistent webhook URL, creating
// one via the Chat Transport if none is recorded yet and persisting it on
// the Connection.
func (p *Provisioner) GetOrCreateWebhook(ctx context.Context, channelID string) (string, error) {
	lock := p.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := p.connections.FindConnection(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("find connection for webhook provisioning: %w", err)
	}
	if !conn.NeedsWebhook() {
		return conn.WebhookURL, nil
	}

	if existing, err := p.transport.ListChannelWebhooks(ctx, channelID); err == nil && len(existing) > 0 {
		if err := p.connections.SetConnectionWebhookURL(ctx, channelID, existing[0]); err != nil {
			return "", fmt.Errorf("persist discovered webhook: %w", err)
		}
		return existing[0], nil
	}

	url, err := p.transport.CreateWebhook(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("%w: create webhook on %s: %v", ErrUnavailable, channelID, err)
	}
	if err := p.connections.SetConnectionWebhookURL(ctx, channelID, url); err != nil {
		return "", fmt.Errorf("persist created webhook: %w", err)
	}
	return url, nil
}

// Package hubmgmt implements the Hub/Connection Management of spec §4.12:
// pure orchestration over the Entity Store Adapter, the Webhook
// Provisioner, and the Cache Layer's invalidation helpers.
package hubmgmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/webhook"
)

// maxHubsPerOwner bounds how many Hubs a single owner may create.
const maxHubsPerOwner = 4

var (
	// ErrOwnerQuotaExceeded is returned by CreateHub when ownerUserID
	// already owns maxHubsPerOwner Hubs.
	ErrOwnerQuotaExceeded = errors.New("hubmgmt: owner has reached the hub quota")
	// ErrNameTaken is returned by CreateHub when the requested name
	// collides with an existing Hub.
	ErrNameTaken = errors.New("hubmgmt: hub name already in use")
)

// Manager orchestrates Hub and Connection lifecycle operations.
type Manager struct {
	hubs        store.HubStore
	connections store.ConnectionStore
	cache       *cache.Cache
	provisioner *webhook.Provisioner
}

// New constructs a Manager.
func New(hubs store.HubStore, connections store.ConnectionStore, c *cache.Cache, provisioner *webhook.Provisioner) *Manager {
	return &Manager{hubs: hubs, connections: connections, cache: c, provisioner: provisioner}
}

// CreateHub validates the owner-hub-quota and name-uniqueness invariants
// before persisting a new Hub.
func (m *Manager) CreateHub(ctx context.Context, ownerUserID, name, description string, visibility model.Visibility) (model.Hub, error) {
	count, err := m.hubs.CountHubsOwnedBy(ctx, ownerUserID)
	if err != nil {
		return model.Hub{}, fmt.Errorf("count owned hubs: %w", err)
	}
	if count >= maxHubsPerOwner {
		return model.Hub{}, ErrOwnerQuotaExceeded
	}

	if _, err := m.hubs.FindHubByName(ctx, name); err == nil {
		return model.Hub{}, ErrNameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Hub{}, fmt.Errorf("check hub name: %w", err)
	}

	hub := model.Hub{
		Name:        name,
		Description: description,
		OwnerUserID: ownerUserID,
		Visibility:  visibility,
		CreatedAt:   time.Now(),
	}
	created, err := m.hubs.CreateHub(ctx, hub)
	if err != nil {
		return model.Hub{}, fmt.Errorf("create hub: %w", err)
	}
	return created, nil
}

// JoinHub connects channelID to hubID: it creates the Connection, eagerly
// provisions the channel's webhook, and invalidates the Hub's sibling cache
// so the new Connection is visible on the next fan-out.
func (m *Manager) JoinHub(ctx context.Context, hubID, channelID, serverID string) (model.Connection, error) {
	if _, err := m.hubs.FindHub(ctx, hubID); err != nil {
		return model.Connection{}, fmt.Errorf("find hub: %w", err)
	}

	conn, err := m.connections.UpsertConnection(ctx, model.Connection{
		ChannelID: channelID, ServerID: serverID, HubID: hubID,
		Connected: true, LastActive: time.Now(),
	})
	if err != nil {
		return model.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}

	webhookURL, err := m.provisioner.GetOrCreateWebhook(ctx, channelID)
	if err != nil {
		return model.Connection{}, fmt.Errorf("provision webhook: %w", err)
	}
	conn.WebhookURL = webhookURL

	if err := m.cache.InvalidateHub(ctx, hubID); err != nil {
		return model.Connection{}, fmt.Errorf("invalidate hub cache: %w", err)
	}
	return conn, nil
}

// LeaveHub flips channelID's Connection to disconnected and invalidates both
// the Connection and the Hub's sibling cache.
func (m *Manager) LeaveHub(ctx context.Context, channelID string) error {
	conn, err := m.connections.FindConnection(ctx, channelID)
	if err != nil {
		return fmt.Errorf("find connection: %w", err)
	}
	if err := m.connections.SetConnectionConnected(ctx, channelID, false); err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	if err := m.cache.InvalidateConnection(ctx, channelID, conn.HubID); err != nil {
		return fmt.Errorf("invalidate connection cache: %w", err)
	}
	return nil
}

// DeleteHub cascades the delete to every Connection and invalidates the
// Hub's cache entry.
func (m *Manager) DeleteHub(ctx context.Context, hubID string) error {
	if err := m.hubs.DeleteHub(ctx, hubID); err != nil {
		return fmt.Errorf("delete hub: %w", err)
	}
	if err := m.cache.InvalidateHub(ctx, hubID); err != nil {
		return fmt.Errorf("invalidate hub cache: %w", err)
	}
	return nil
}

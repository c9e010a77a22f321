package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

// resolved is the result of resolveChannel (spec §4.2).
type resolved struct {
	Hub        model.Hub
	Connection model.Connection
	Siblings   []model.Connection
}

// resolveChannel implements spec §4.2's hot-path lookup: Connection cache
// (fallback to Store), then Hub+siblings cache keyed by the connection's
// hub (fallback to Store), returning siblings excluding channelID. A
// not-found Connection is reported via store.ErrNotFound.
func resolveChannel(ctx context.Context, c *cache.Cache, connections store.ConnectionStore, hubs store.HubStore, channelID string) (resolved, error) {
	conn, err := c.GetConnection(ctx, channelID)
	if errors.Is(err, cache.ErrMiss) {
		conn, err = connections.FindConnection(ctx, channelID)
		if err != nil {
			return resolved{}, err
		}
		if cacheErr := c.SetConnection(ctx, conn); cacheErr != nil {
			return resolved{}, fmt.Errorf("cache connection: %w", cacheErr)
		}
	} else if err != nil {
		return resolved{}, fmt.Errorf("lookup cached connection: %w", err)
	}

	data, err := c.GetHubData(ctx, conn.HubID)
	if errors.Is(err, cache.ErrMiss) {
		hub, err := hubs.FindHub(ctx, conn.HubID)
		if err != nil {
			return resolved{}, err
		}
		siblings, err := connections.ListConnectionsByHub(ctx, conn.HubID)
		if err != nil {
			return resolved{}, fmt.Errorf("list hub connections: %w", err)
		}
		data = cache.HubData{Hub: hub, Connections: siblings}
		if cacheErr := c.SetHubData(ctx, conn.HubID, data); cacheErr != nil {
			return resolved{}, fmt.Errorf("cache hub data: %w", cacheErr)
		}
	} else if err != nil {
		return resolved{}, fmt.Errorf("lookup cached hub data: %w", err)
	}

	siblings := make([]model.Connection, 0, len(data.Connections))
	for _, s := range data.Connections {
		if s.ChannelID != channelID && s.Connected {
			siblings = append(siblings, s)
		}
	}

	return resolved{Hub: data.Hub, Connection: conn, Siblings: siblings}, nil
}

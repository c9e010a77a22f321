package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

func (s *Store) FindConnection(ctx context.Context, channelID string) (model.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, server_id, hub_id, connected, webhook_url,
		       compact, embed_color, last_active, invite, fail_streak, unhealthy
		FROM connections WHERE channel_id = $1`, channelID)
	return scanConnection(row)
}

func scanConnection(row *sql.Row) (model.Connection, error) {
	var c model.Connection
	var invite sql.NullString
	err := row.Scan(&c.ID, &c.ChannelID, &c.ServerID, &c.HubID, &c.Connected, &c.WebhookURL,
		&c.Compact, &c.EmbedColor, &c.LastActive, &invite, &c.FailStreak, &c.Unhealthy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Connection{}, store.ErrNotFound
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.Invite = invite.String
	return c, nil
}

// UpsertConnection creates or updates a Connection keyed by channel_id, and
// invalidates the Cache Layer before returning (spec §4.2, §4.3).
func (s *Store) UpsertConnection(ctx context.Context, conn model.Connection) (model.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.LastActive.IsZero() {
		conn.LastActive = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, channel_id, server_id, hub_id, connected, webhook_url,
		                          compact, embed_color, last_active, invite, fail_streak, unhealthy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (channel_id) DO UPDATE SET
			server_id = EXCLUDED.server_id,
			hub_id = EXCLUDED.hub_id,
			connected = EXCLUDED.connected,
			webhook_url = EXCLUDED.webhook_url,
			compact = EXCLUDED.compact,
			embed_color = EXCLUDED.embed_color,
			last_active = EXCLUDED.last_active,
			invite = EXCLUDED.invite`,
		conn.ID, conn.ChannelID, conn.ServerID, conn.HubID, conn.Connected, conn.WebhookURL,
		conn.Compact, conn.EmbedColor, conn.LastActive, conn.Invite, conn.FailStreak, conn.Unhealthy,
	)
	if err != nil {
		return model.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}

	if err := s.cache.InvalidateConnection(ctx, conn.ChannelID, conn.HubID); err != nil {
		return model.Connection{}, fmt.Errorf("invalidate cache: %w", err)
	}
	return s.FindConnection(ctx, conn.ChannelID)
}

func (s *Store) DeleteConnection(ctx context.Context, channelID string) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

func (s *Store) SetConnectionWebhookURL(ctx context.Context, channelID, webhookURL string) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE connections SET webhook_url = $1 WHERE channel_id = $2`, webhookURL, channelID,
	); err != nil {
		return fmt.Errorf("set webhook url: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

func (s *Store) SetConnectionConnected(ctx context.Context, channelID string, connected bool) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE connections SET connected = $1 WHERE channel_id = $2`, connected, channelID,
	); err != nil {
		return fmt.Errorf("set connected: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

// RecordConnectionFailure increments the consecutive-failure counter used by
// §7's transport-failure policy and marks the Connection unhealthy once the
// threshold is crossed.
func (s *Store) RecordConnectionFailure(ctx context.Context, channelID string) (model.Connection, error) {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return model.Connection{}, err
	}
	conn.FailStreak++
	conn.Unhealthy = conn.FailStreak >= unhealthyThreshold

	if _, err := s.db.ExecContext(ctx,
		`UPDATE connections SET fail_streak = $1, unhealthy = $2 WHERE channel_id = $3`,
		conn.FailStreak, conn.Unhealthy, channelID,
	); err != nil {
		return model.Connection{}, fmt.Errorf("record failure: %w", err)
	}
	if err := s.cache.InvalidateConnection(ctx, channelID, conn.HubID); err != nil {
		return model.Connection{}, err
	}
	return conn, nil
}

// unhealthyThreshold is the consecutive-failure count (§7's "K consecutive
// failures") after which a sibling is marked unhealthy. Fan-out does not
// skip unhealthy siblings; the flag drives the broadcast health tracker's
// disconnect escalation.
const unhealthyThreshold = 5

func (s *Store) ResetConnectionHealth(ctx context.Context, channelID string) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE connections SET fail_streak = 0, unhealthy = false WHERE channel_id = $1`, channelID,
	); err != nil {
		return fmt.Errorf("reset health: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

// DeleteConnectionsWhere removes every Connection belonging to hubID, used by
// Hub deletion's cascade (spec §3 ownership notes, §4.12).
func (s *Store) DeleteConnectionsWhere(ctx context.Context, hubID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM connections WHERE hub_id = $1`, hubID)
	if err != nil {
		return fmt.Errorf("list connections for cascade: %w", err)
	}
	var channelIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan channel id: %w", err)
		}
		channelIDs = append(channelIDs, id)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE hub_id = $1`, hubID); err != nil {
		return fmt.Errorf("delete connections: %w", err)
	}
	for _, channelID := range channelIDs {
		if err := s.cache.InvalidateConnection(ctx, channelID, hubID); err != nil {
			return err
		}
	}
	return s.cache.InvalidateHub(ctx, hubID)
}

func (s *Store) ListConnectionsByHub(ctx context.Context, hubID string) ([]model.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, server_id, hub_id, connected, webhook_url,
		       compact, embed_color, last_active, invite, fail_streak, unhealthy
		FROM connections WHERE hub_id = $1`, hubID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		var c model.Connection
		var invite sql.NullString
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.ServerID, &c.HubID, &c.Connected, &c.WebhookURL,
			&c.Compact, &c.EmbedColor, &c.LastActive, &invite, &c.FailStreak, &c.Unhealthy); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.Invite = invite.String
		out = append(out, c)
	}
	return out, rows.Err()
}

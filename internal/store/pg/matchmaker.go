package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/interchat/core/internal/model"
)

func (s *Store) EnqueueCallRequest(ctx context.Context, req model.CallRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_requests (channel_id, user_id, server_id, webhook_url, enqueued_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (channel_id) DO UPDATE SET enqueued_at = EXCLUDED.enqueued_at`,
		req.ChannelID, req.UserID, req.ServerID, req.WebhookURL, req.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue call request: %w", err)
	}
	return nil
}

// DequeueCallRequest pops the oldest queued request for which exclude
// returns false, preserving FIFO order (spec §4.8, §5: "head of queue that
// is eligible", not necessarily the literal head).
func (s *Store) DequeueCallRequest(ctx context.Context, exclude func(model.CallRequest) bool) (model.CallRequest, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CallRequest{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT channel_id, user_id, server_id, webhook_url, enqueued_at
		FROM call_requests ORDER BY enqueued_at ASC FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return model.CallRequest{}, false, fmt.Errorf("scan queue: %w", err)
	}

	var candidates []model.CallRequest
	for rows.Next() {
		var r model.CallRequest
		if err := rows.Scan(&r.ChannelID, &r.UserID, &r.ServerID, &r.WebhookURL, &r.EnqueuedAt); err != nil {
			rows.Close()
			return model.CallRequest{}, false, fmt.Errorf("scan call request: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	for _, r := range candidates {
		if exclude != nil && exclude(r) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM call_requests WHERE channel_id = $1`, r.ChannelID); err != nil {
			return model.CallRequest{}, false, fmt.Errorf("delete dequeued request: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return model.CallRequest{}, false, fmt.Errorf("commit dequeue: %w", err)
		}
		return r, true, nil
	}
	return model.CallRequest{}, false, tx.Commit()
}

func (s *Store) RemoveCallRequest(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_requests WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("remove call request: %w", err)
	}
	return nil
}

// SweepStaleCallRequests returns and removes requests that have waited
// longer than maxWait, so the sweeper can notify their authors (spec §4.8).
func (s *Store) SweepStaleCallRequests(ctx context.Context, maxWait time.Duration) ([]model.CallRequest, error) {
	cutoff := time.Now().Add(-maxWait)
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, server_id, webhook_url, enqueued_at
		FROM call_requests WHERE enqueued_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan stale requests: %w", err)
	}
	var stale []model.CallRequest
	for rows.Next() {
		var r model.CallRequest
		if err := rows.Scan(&r.ChannelID, &r.UserID, &r.ServerID, &r.WebhookURL, &r.EnqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan call request: %w", err)
		}
		stale = append(stale, r)
	}
	rows.Close()

	for _, r := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM call_requests WHERE channel_id = $1`, r.ChannelID); err != nil {
			return nil, fmt.Errorf("remove stale request: %w", err)
		}
	}
	return stale, nil
}

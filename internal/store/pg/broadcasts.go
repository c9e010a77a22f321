package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

// InsertBroadcastRecord persists the durable system-of-record copy of a
// fan-out result; the Cache Layer holds the hot-path duplicate with a TTL
// (spec §4.2, §4.6).
func (s *Store) InsertBroadcastRecord(ctx context.Context, rec model.BroadcastRecord) error {
	broadcasts, err := json.Marshal(rec.Broadcasts)
	if err != nil {
		return fmt.Errorf("marshal broadcasts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO broadcast_records (source_message_id, source_channel_id, hub_id, author_user_id, created_at, broadcasts)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_message_id) DO UPDATE SET broadcasts = EXCLUDED.broadcasts`,
		rec.SourceMessageID, rec.SourceChannelID, rec.HubID, rec.AuthorUserID, rec.CreatedAt, broadcasts,
	)
	if err != nil {
		return fmt.Errorf("insert broadcast record: %w", err)
	}
	return nil
}

func (s *Store) FindBroadcastBySourceMessage(ctx context.Context, sourceMessageID string) (model.BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_message_id, source_channel_id, hub_id, author_user_id, created_at, broadcasts
		FROM broadcast_records WHERE source_message_id = $1`, sourceMessageID)
	return scanBroadcastRecord(row)
}

func scanBroadcastRecord(row *sql.Row) (model.BroadcastRecord, error) {
	var rec model.BroadcastRecord
	var broadcasts []byte
	err := row.Scan(&rec.SourceMessageID, &rec.SourceChannelID, &rec.HubID, &rec.AuthorUserID, &rec.CreatedAt, &broadcasts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BroadcastRecord{}, store.ErrNotFound
	}
	if err != nil {
		return model.BroadcastRecord{}, fmt.Errorf("scan broadcast record: %w", err)
	}
	if err := json.Unmarshal(broadcasts, &rec.Broadcasts); err != nil {
		return model.BroadcastRecord{}, fmt.Errorf("unmarshal broadcasts: %w", err)
	}
	return rec, nil
}

// FindBroadcastByAnyMessage resolves the reverse lookup: given any sibling
// message id (or the source id), find the owning BroadcastRecord. The JSONB
// containment query mirrors the Cache Layer's reverse-index keys.
func (s *Store) FindBroadcastByAnyMessage(ctx context.Context, messageID string) (model.BroadcastRecord, error) {
	if rec, err := s.FindBroadcastBySourceMessage(ctx, messageID); err == nil {
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.BroadcastRecord{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT source_message_id, source_channel_id, hub_id, author_user_id, created_at, broadcasts
		FROM broadcast_records
		WHERE EXISTS (SELECT 1 FROM jsonb_each_text(broadcasts::jsonb) kv WHERE kv.value = $1)
		LIMIT 1`, messageID)
	return scanBroadcastRecord(row)
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

func (s *Store) CreateActiveCall(ctx context.Context, call model.ActiveCall) (model.ActiveCall, error) {
	if call.CallID == "" {
		call.CallID = uuid.NewString()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now()
	}
	call.Status = model.CallStatusActive

	participants, err := json.Marshal(call.Participants)
	if err != nil {
		return model.ActiveCall{}, fmt.Errorf("marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO active_calls (call_id, started_at, ended_at, status, participants)
		VALUES ($1,$2,$3,$4,$5)`,
		call.CallID, call.StartedAt, call.EndedAt, string(call.Status), participants,
	)
	if err != nil {
		return model.ActiveCall{}, fmt.Errorf("create active call: %w", err)
	}
	return call, nil
}

func (s *Store) FindActiveCall(ctx context.Context, callID string) (model.ActiveCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, started_at, ended_at, status, participants
		FROM active_calls WHERE call_id = $1`, callID)
	return scanActiveCall(row)
}

func scanActiveCall(row *sql.Row) (model.ActiveCall, error) {
	var c model.ActiveCall
	var status string
	var endedAt sql.NullTime
	var participants []byte
	err := row.Scan(&c.CallID, &c.StartedAt, &endedAt, &status, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ActiveCall{}, store.ErrNotFound
	}
	if err != nil {
		return model.ActiveCall{}, fmt.Errorf("scan active call: %w", err)
	}
	c.Status = model.CallStatus(status)
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return model.ActiveCall{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	return c, nil
}

// FindActiveCallByChannel resolves the call currently pairing channelID, if
// any (spec §4.9: "at most one ACTIVE call per channel").
func (s *Store) FindActiveCallByChannel(ctx context.Context, channelID string) (model.ActiveCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, started_at, ended_at, status, participants
		FROM active_calls
		WHERE status = 'ACTIVE'
		  AND (participants::jsonb -> 0 ->> 'ChannelID' = $1
		       OR participants::jsonb -> 1 ->> 'ChannelID' = $1)
		LIMIT 1`, channelID)
	return scanActiveCall(row)
}

func (s *Store) EndActiveCall(ctx context.Context, callID string, endedAt time.Time) (model.ActiveCall, error) {
	call, err := s.FindActiveCall(ctx, callID)
	if err != nil {
		return model.ActiveCall{}, err
	}
	call.Status = model.CallStatusEnded
	call.EndedAt = &endedAt

	if _, err := s.db.ExecContext(ctx,
		`UPDATE active_calls SET status = $1, ended_at = $2 WHERE call_id = $3`,
		string(call.Status), endedAt, callID,
	); err != nil {
		return model.ActiveCall{}, fmt.Errorf("end active call: %w", err)
	}
	return call, nil
}

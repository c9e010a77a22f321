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

// FindActiveBan returns the subject's ban if one is ACTIVE by §3's
// effective-status rule (a TEMPORARY ban past expiresAt reports EXPIRED
// regardless of the stored status column).
func (s *Store) FindActiveBan(ctx context.Context, userID string) (model.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_user_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM bans WHERE subject_user_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at DESC LIMIT 1`, userID)

	ban, err := scanBan(row)
	if err != nil {
		return model.Ban{}, err
	}
	if ban.EffectiveStatus(time.Now()) != model.BanStatusActive {
		return model.Ban{}, store.ErrNotFound
	}
	return ban, nil
}

func scanBan(row *sql.Row) (model.Ban, error) {
	var b model.Ban
	var banType, status string
	var expiresAt sql.NullTime
	err := row.Scan(&b.ID, &b.SubjectUserID, &b.ModeratorUserID, &b.Reason, &banType, &b.CreatedAt, &expiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ban{}, store.ErrNotFound
	}
	if err != nil {
		return model.Ban{}, fmt.Errorf("scan ban: %w", err)
	}
	b.Type = model.BanType(banType)
	b.Status = model.BanStatus(status)
	if expiresAt.Valid {
		b.ExpiresAt = &expiresAt.Time
	}
	return b, nil
}

// CreateBan refuses to create a ban if an ACTIVE one already exists for the
// subject (spec §4.10: "refused ... not an upsert").
func (s *Store) CreateBan(ctx context.Context, ban model.Ban) (model.Ban, error) {
	if _, err := s.FindActiveBan(ctx, ban.SubjectUserID); err == nil {
		return model.Ban{}, fmt.Errorf("%w: subject already has an active ban", store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Ban{}, err
	}
	if ban.Type == model.BanTypeTemporary && ban.ExpiresAt == nil {
		return model.Ban{}, errors.New("store: temporary ban requires expiresAt")
	}

	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = time.Now()
	}
	ban.Status = model.BanStatusActive

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (id, subject_user_id, moderator_user_id, reason, type, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ban.ID, ban.SubjectUserID, ban.ModeratorUserID, ban.Reason, string(ban.Type),
		ban.CreatedAt, ban.ExpiresAt, string(ban.Status),
	)
	if err != nil {
		return model.Ban{}, fmt.Errorf("create ban: %w", err)
	}
	return ban, nil
}

// RevokeBan requires the ban to currently be ACTIVE; otherwise it fails
// ErrNotRevocable (spec §4.10, §8: second revoke fails).
func (s *Store) RevokeBan(ctx context.Context, banID, moderatorUserID string) (model.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_user_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM bans WHERE id = $1`, banID)
	ban, err := scanBan(row)
	if err != nil {
		return model.Ban{}, err
	}
	if ban.Status != model.BanStatusActive {
		return model.Ban{}, store.ErrNotRevocable
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE bans SET status = 'REVOKED' WHERE id = $1`, banID); err != nil {
		return model.Ban{}, fmt.Errorf("revoke ban: %w", err)
	}
	ban.Status = model.BanStatusRevoked
	return ban, nil
}

func (s *Store) FindActiveServerBan(ctx context.Context, serverID string) (model.ServerBan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_server_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM server_bans WHERE subject_server_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at DESC LIMIT 1`, serverID)
	ban, err := scanServerBan(row)
	if err != nil {
		return model.ServerBan{}, err
	}
	if ban.EffectiveStatus(time.Now()) != model.BanStatusActive {
		return model.ServerBan{}, store.ErrNotFound
	}
	return ban, nil
}

func scanServerBan(row *sql.Row) (model.ServerBan, error) {
	var b model.ServerBan
	var banType, status string
	var expiresAt sql.NullTime
	err := row.Scan(&b.ID, &b.SubjectServerID, &b.ModeratorUserID, &b.Reason, &banType, &b.CreatedAt, &expiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ServerBan{}, store.ErrNotFound
	}
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("scan server ban: %w", err)
	}
	b.Type = model.BanType(banType)
	b.Status = model.BanStatus(status)
	if expiresAt.Valid {
		b.ExpiresAt = &expiresAt.Time
	}
	return b, nil
}

func (s *Store) CreateServerBan(ctx context.Context, ban model.ServerBan) (model.ServerBan, error) {
	if _, err := s.FindActiveServerBan(ctx, ban.SubjectServerID); err == nil {
		return model.ServerBan{}, fmt.Errorf("%w: server already has an active ban", store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.ServerBan{}, err
	}

	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = time.Now()
	}
	ban.Status = model.BanStatusActive

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_bans (id, subject_server_id, moderator_user_id, reason, type, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ban.ID, ban.SubjectServerID, ban.ModeratorUserID, ban.Reason, string(ban.Type),
		ban.CreatedAt, ban.ExpiresAt, string(ban.Status),
	)
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("create server ban: %w", err)
	}
	return ban, nil
}

func (s *Store) RevokeServerBan(ctx context.Context, banID, moderatorUserID string) (model.ServerBan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_server_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM server_bans WHERE id = $1`, banID)
	ban, err := scanServerBan(row)
	if err != nil {
		return model.ServerBan{}, err
	}
	if ban.Status != model.BanStatusActive {
		return model.ServerBan{}, store.ErrNotRevocable
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE server_bans SET status = 'REVOKED' WHERE id = $1`, banID); err != nil {
		return model.ServerBan{}, fmt.Errorf("revoke server ban: %w", err)
	}
	ban.Status = model.BanStatusRevoked
	return ban, nil
}

func (s *Store) FindHubBlacklist(ctx context.Context, hubID, subjectID string) (model.HubBlacklistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hub_id, subject_id, is_server, moderator_user_id, reason, created_at, expires_at
		FROM hub_blacklist WHERE hub_id = $1 AND subject_id = $2
		AND (expires_at IS NULL OR expires_at > now())`, hubID, subjectID)

	var e model.HubBlacklistEntry
	var expiresAt sql.NullTime
	err := row.Scan(&e.ID, &e.HubID, &e.SubjectID, &e.IsServer, &e.ModeratorUserID, &e.Reason, &e.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HubBlacklistEntry{}, store.ErrNotFound
	}
	if err != nil {
		return model.HubBlacklistEntry{}, fmt.Errorf("scan blacklist entry: %w", err)
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}

// SweepExpiredBans rewrites TEMPORARY bans whose expiresAt has passed from
// ACTIVE to EXPIRED, per spec §4.10's scheduled-sweeper requirement.
func (s *Store) SweepExpiredBans(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bans SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND type = 'TEMPORARY' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired bans: %w", err)
	}
	n1, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE server_bans SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND type = 'TEMPORARY' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired server bans: %w", err)
	}
	n2, _ := res.RowsAffected()

	return int(n1 + n2), nil
}

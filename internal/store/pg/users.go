package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

const userSelect = `
	SELECT id, display_name, avatar_ref, locale, accepted_global_rules, badges, donation_cents
	FROM users`

func scanUserRow(row *sql.Row) (model.User, error) {
	var u model.User
	var badges pq.StringArray
	err := row.Scan(&u.ID, &u.DisplayName, &u.AvatarRef, &u.Locale, &u.AcceptedGlobalRules, &badges, &u.DonationCents)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, store.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Badges = []string(badges)
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, userID string) (model.User, error) {
	return scanUserRow(s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, userID))
}

// UpsertUser creates the User lazily on first observation (spec §3) or
// refreshes its transport-derived fields otherwise.
func (s *Store) UpsertUser(ctx context.Context, userID, displayName, avatarRef, locale string) (model.User, error) {
	if locale == "" {
		locale = "en"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar_ref, locale)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET display_name = $2, avatar_ref = $3, locale = $4`,
		userID, displayName, avatarRef, locale,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return s.FindUser(ctx, userID)
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

func (s *Store) FindHub(ctx context.Context, hubID string) (model.Hub, error) {
	return scanHubRow(s.db.QueryRowContext(ctx, hubSelect+` WHERE id = $1`, hubID))
}

func (s *Store) FindHubByName(ctx context.Context, name string) (model.Hub, error) {
	return scanHubRow(s.db.QueryRowContext(ctx, hubSelect+` WHERE name = $1`, name))
}

const hubSelect = `
	SELECT id, name, description, owner_user_id, visibility, rules, icon_ref,
	       created_at, nsfw_allowed, antiswear_words
	FROM hubs`

func scanHubRow(row *sql.Row) (model.Hub, error) {
	var h model.Hub
	var rules pq.StringArray
	var words pq.StringArray
	var visibility string
	err := row.Scan(&h.ID, &h.Name, &h.Description, &h.OwnerUserID, &visibility, &rules, &h.IconRef,
		&h.CreatedAt, &h.Settings.NSFWAllowed, &words)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Hub{}, store.ErrNotFound
	}
	if err != nil {
		return model.Hub{}, fmt.Errorf("scan hub: %w", err)
	}
	h.Visibility = model.Visibility(visibility)
	h.Rules = []string(rules)
	h.Settings.AntiSwearWords = []string(words)
	return h, nil
}

// CreateHub inserts a new Hub, enforcing the name-uniqueness invariant of
// spec §3 via the database's own unique constraint.
func (s *Store) CreateHub(ctx context.Context, hub model.Hub) (model.Hub, error) {
	if hub.ID == "" {
		hub.ID = uuid.NewString()
	}
	if hub.CreatedAt.IsZero() {
		hub.CreatedAt = time.Now()
	}
	if len(hub.Name) > 32 {
		return model.Hub{}, fmt.Errorf("%w: hub name exceeds 32 characters", store.ErrConflict)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hubs (id, name, description, owner_user_id, visibility, rules, icon_ref,
		                   created_at, nsfw_allowed, antiswear_words)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		hub.ID, hub.Name, hub.Description, hub.OwnerUserID, string(hub.Visibility),
		pq.StringArray(hub.Rules), hub.IconRef, hub.CreatedAt, hub.Settings.NSFWAllowed,
		pq.StringArray(hub.Settings.AntiSwearWords),
	)
	if isUniqueViolation(err) {
		return model.Hub{}, fmt.Errorf("%w: hub name %q already taken", store.ErrConflict, hub.Name)
	}
	if err != nil {
		return model.Hub{}, fmt.Errorf("create hub: %w", err)
	}
	return hub, nil
}

// DeleteHub removes a Hub and cascades to its Connections, per the ownership
// note in spec §3 ("the Hub exclusively owns its Connections").
func (s *Store) DeleteHub(ctx context.Context, hubID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.DeleteConnectionsWhere(ctx, hubID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM hubs WHERE id = $1`, hubID); err != nil {
			return fmt.Errorf("delete hub: %w", err)
		}
		return s.cache.InvalidateHub(ctx, hubID)
	})
}

func (s *Store) CountHubsOwnedBy(ctx context.Context, ownerUserID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM hubs WHERE owner_user_id = $1`, ownerUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count hubs: %w", err)
	}
	return n, nil
}

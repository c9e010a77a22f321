package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

func (s *Store) FindRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, hub_id, accepted_at
		FROM hub_rules_acceptances WHERE user_id = $1 AND hub_id = $2`, userID, hubID)

	var a model.HubRulesAcceptance
	err := row.Scan(&a.UserID, &a.HubID, &a.AcceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HubRulesAcceptance{}, store.ErrNotFound
	}
	if err != nil {
		return model.HubRulesAcceptance{}, fmt.Errorf("scan rules acceptance: %w", err)
	}
	return a, nil
}

// CreateRulesAcceptance records acceptance idempotently: accepting twice
// simply refreshes the timestamp rather than erroring.
func (s *Store) CreateRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hub_rules_acceptances (user_id, hub_id, accepted_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id, hub_id) DO UPDATE SET accepted_at = EXCLUDED.accepted_at`,
		userID, hubID, now,
	)
	if err != nil {
		return model.HubRulesAcceptance{}, fmt.Errorf("create rules acceptance: %w", err)
	}
	return model.HubRulesAcceptance{UserID: userID, HubID: hubID, AcceptedAt: now}, nil
}

// Package rules implements the Rules Gate of spec §4.4: the admission check
// that asks whether a user must see and accept a Hub's rules before their
// message proceeds to the Admission Pipeline.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

// Decision is the outcome of gating a message against a Hub's rules.
type Decision int

const (
	// Admitted means either the Hub has no rules, or the user already
	// accepted them; the message may proceed.
	Admitted Decision = iota
	// DeniedShown means the rules were just shown to the user for the
	// first time (or after their cooldown expired) and the message is
	// held pending acceptance.
	DeniedShown
	// DeniedCooldown means the rules were already shown recently and are
	// still pending; the message is held silently, no repeat prompt.
	DeniedCooldown
)

// ShownCooldown is how long after showing a Hub's rules the gate waits
// before showing them again to the same user (spec §4.4's repeat-prompt
// suppression window).
const ShownCooldown = 10 * time.Minute

// Gate is the Rules Gate service.
type Gate struct {
	cache *cache.Cache
	store store.RulesStore
}

// New constructs a Gate backed by the given Cache Layer and RulesStore.
func New(c *cache.Cache, s store.RulesStore) *Gate {
	return &Gate{cache: c, store: s}
}

// Check evaluates whether userID may post into hub, per §4.4:
//  1. no rules -> Admitted
//  2. cached acceptance -> Admitted
//  3. durable acceptance -> Admitted, cache repopulated
//  4. not accepted, not recently shown -> DeniedShown, marks as shown
//  5. not accepted, recently shown -> DeniedCooldown
func (g *Gate) Check(ctx context.Context, userID string, hub model.Hub) (Decision, error) {
	if !hub.HasRules() {
		return Admitted, nil
	}

	accepted, err := g.cache.RulesAccepted(ctx, hub.ID, userID)
	if err != nil {
		return Admitted, fmt.Errorf("check cached acceptance: %w", err)
	}
	if accepted {
		return Admitted, nil
	}

	_, err = g.store.FindRulesAcceptance(ctx, userID, hub.ID)
	switch {
	case err == nil:
		if cacheErr := g.cache.SetRulesAccepted(ctx, hub.ID, userID); cacheErr != nil {
			return Admitted, fmt.Errorf("repopulate acceptance cache: %w", cacheErr)
		}
		return Admitted, nil
	case !errors.Is(err, store.ErrNotFound):
		return Admitted, fmt.Errorf("find durable acceptance: %w", err)
	}

	shown, err := g.cache.RulesShown(ctx, hub.ID, userID)
	if err != nil {
		return Admitted, fmt.Errorf("check shown marker: %w", err)
	}
	if shown {
		return DeniedCooldown, nil
	}

	if err := g.cache.SetRulesShown(ctx, hub.ID, userID, ShownCooldown); err != nil {
		return Admitted, fmt.Errorf("set shown marker: %w", err)
	}
	return DeniedShown, nil
}

// Accept records userID's acceptance of hub's rules, durably and in cache,
// and clears the shown marker so a future rule change can re-prompt.
func (g *Gate) Accept(ctx context.Context, userID string, hub model.Hub) error {
	if _, err := g.store.CreateRulesAcceptance(ctx, userID, hub.ID); err != nil {
		return fmt.Errorf("record acceptance: %w", err)
	}
	if err := g.cache.SetRulesAccepted(ctx, hub.ID, userID); err != nil {
		return fmt.Errorf("cache acceptance: %w", err)
	}
	return g.cache.ClearRulesShown(ctx, hub.ID, userID)
}

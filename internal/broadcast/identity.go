package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

// identityMap resolves a BroadcastRecord by either its source message id or
// any sibling message id it produced (spec §4.6's identity-mapping
// guarantee), checking the Cache Layer before falling back to the durable
// store, which remains authoritative once the cache entry ages out.
type identityMap struct {
	cache *cache.Cache
	store store.BroadcastStore
	ttl   time.Duration
}

func newIdentityMap(c *cache.Cache, s store.BroadcastStore, ttl time.Duration) *identityMap {
	return &identityMap{cache: c, store: s, ttl: ttl}
}

func (m *identityMap) record(ctx context.Context, rec model.BroadcastRecord) error {
	if err := m.store.InsertBroadcastRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist broadcast record: %w", err)
	}
	if err := m.cache.SetBroadcastRecord(ctx, rec, m.ttl); err != nil {
		return fmt.Errorf("cache broadcast record: %w", err)
	}
	return nil
}

func (m *identityMap) resolve(ctx context.Context, anyMessageID string) (model.BroadcastRecord, error) {
	rec, err := m.cache.FindBroadcastByAnyMessage(ctx, anyMessageID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return model.BroadcastRecord{}, fmt.Errorf("lookup cached broadcast record: %w", err)
	}

	rec, err = m.store.FindBroadcastByAnyMessage(ctx, anyMessageID)
	if err != nil {
		return model.BroadcastRecord{}, err
	}
	_ = m.cache.SetBroadcastRecord(ctx, rec, m.ttl)
	return rec, nil
}

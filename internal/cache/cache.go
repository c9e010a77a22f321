// Package cache implements the two-tier Cache Layer of spec §4.2: a
// process-local tier backed by a shared Redis tier, with explicit
// invalidation funneled through the Entity Store Adapter's mutation helpers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/interchat/core/internal/model"
)

// ErrMiss is returned by Get when no value is cached under the key.
var ErrMiss = errors.New("cache: miss")

// Key templates from spec §6.
const (
	keyConnection   = "hub:connection:%s"
	keyHubData      = "hub:data:%s"
	keyRulesAccept  = "rules:accepted:%s:%s"
	keyRulesShown   = "rules:shown:%s:%s"
	keyCallActive   = "call:active:%s"
	keyRecentMatch  = "call:recent_matches:%s"
	keyCallMessages = "call:messages:%s"
	keyCallReport   = "call:report:%s"
	keyBroadcast    = "broadcast:%s"
	keyBroadcastRev = "broadcast:rev:%s"
)

// HubData is the cached shape of hubWithConnections: a Hub plus every
// Connection currently attached to it.
type HubData struct {
	Hub         model.Hub
	Connections []model.Connection
}

// Cache is the two-tier Cache Layer. The local tier is process-local and
// always written through to the shared tier first, per spec §4.2's
// concurrency contract.
type Cache struct {
	shared *redis.Client
	ttl    time.Duration

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	value   []byte
	expires time.Time
}

// New creates a Cache backed by the given Redis client. ttl applies to the
// connection and hub-data entries, is the floor for the rules-accepted
// marker, and bounds how long a shared-tier hit stays in the local tier;
// the other key templates take the TTL passed to their setters.
func New(shared *redis.Client, ttl time.Duration) *Cache {
	return &Cache{shared: shared, ttl: ttl, local: make(map[string]localEntry)}
}

func (c *Cache) setLocal(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = localEntry{value: data, expires: time.Now().Add(ttl)}
}

func (c *Cache) getLocal(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (c *Cache) dropLocal(key string) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
}

// set writes through shared then local, as required by §4.2's concurrency
// contract (the shared layer must never lag the local one).
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.shared.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	c.setLocal(key, data, ttl)
	return nil
}

// get reads the local tier first, falling back to the shared tier and
// repopulating local on a shared hit.
func (c *Cache) get(ctx context.Context, key string, dest any) error {
	if data, ok := c.getLocal(key); ok {
		return json.Unmarshal(data, dest)
	}

	data, err := c.shared.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	c.setLocal(key, data, c.ttl)
	return json.Unmarshal(data, dest)
}

func (c *Cache) del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.dropLocal(k)
	}
	if err := c.shared.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: redis del %v: %w", keys, err)
	}
	return nil
}

// GetConnection returns the cached Connection for channelID, or ErrMiss.
func (c *Cache) GetConnection(ctx context.Context, channelID string) (model.Connection, error) {
	var conn model.Connection
	err := c.get(ctx, fmt.Sprintf(keyConnection, channelID), &conn)
	return conn, err
}

// SetConnection populates the connection cache entry.
func (c *Cache) SetConnection(ctx context.Context, conn model.Connection) error {
	return c.set(ctx, fmt.Sprintf(keyConnection, conn.ChannelID), conn, c.ttl)
}

// GetHubData returns the cached Hub+Connections for hubID, or ErrMiss.
func (c *Cache) GetHubData(ctx context.Context, hubID string) (HubData, error) {
	var data HubData
	err := c.get(ctx, fmt.Sprintf(keyHubData, hubID), &data)
	return data, err
}

// SetHubData populates the hub-with-connections cache entry.
func (c *Cache) SetHubData(ctx context.Context, hubID string, data HubData) error {
	return c.set(ctx, fmt.Sprintf(keyHubData, hubID), data, c.ttl)
}

// InvalidateConnection removes both keys touched by a Connection mutation:
// the connection's own cache entry and its hub's connection roster. This is
// the single funnel every store mutation helper must call (spec §4.2).
func (c *Cache) InvalidateConnection(ctx context.Context, channelID, hubID string) error {
	keys := []string{fmt.Sprintf(keyConnection, channelID)}
	if hubID != "" {
		keys = append(keys, fmt.Sprintf(keyHubData, hubID))
	}
	return c.del(ctx, keys...)
}

// InvalidateHub removes a hub's cached roster (delete, rename, visibility
// change, connection roster change).
func (c *Cache) InvalidateHub(ctx context.Context, hubID string) error {
	return c.del(ctx, fmt.Sprintf(keyHubData, hubID))
}

// RulesAccepted reports whether the positive rules-acceptance marker is set.
func (c *Cache) RulesAccepted(ctx context.Context, hubID, userID string) (bool, error) {
	var v bool
	err := c.get(ctx, fmt.Sprintf(keyRulesAccept, hubID, userID), &v)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	return v, err
}

// SetRulesAccepted sets the positive rules marker with a floor TTL of 5
// minutes, per spec §4.4 step 3.
func (c *Cache) SetRulesAccepted(ctx context.Context, hubID, userID string) error {
	ttl := c.ttl
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return c.set(ctx, fmt.Sprintf(keyRulesAccept, hubID, userID), true, ttl)
}

// RulesShown reports whether the rules-prompt cooldown marker is set.
func (c *Cache) RulesShown(ctx context.Context, hubID, userID string) (bool, error) {
	var v bool
	err := c.get(ctx, fmt.Sprintf(keyRulesShown, hubID, userID), &v)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	return v, err
}

// SetRulesShown sets the rules-prompt cooldown marker for cooldown.
func (c *Cache) SetRulesShown(ctx context.Context, hubID, userID string, cooldown time.Duration) error {
	return c.set(ctx, fmt.Sprintf(keyRulesShown, hubID, userID), true, cooldown)
}

// ClearRulesShown removes the cooldown marker once acceptance is recorded.
func (c *Cache) ClearRulesShown(ctx context.Context, hubID, userID string) error {
	return c.del(ctx, fmt.Sprintf(keyRulesShown, hubID, userID))
}

// SetActiveCall maps a channel to its callId for the lifetime of the call.
func (c *Cache) SetActiveCall(ctx context.Context, channelID, callID string) error {
	return c.set(ctx, fmt.Sprintf(keyCallActive, channelID), callID, 0)
}

// GetActiveCall returns the callId mapped to channelID, or ErrMiss.
func (c *Cache) GetActiveCall(ctx context.Context, channelID string) (string, error) {
	var callID string
	err := c.get(ctx, fmt.Sprintf(keyCallActive, channelID), &callID)
	return callID, err
}

// ClearActiveCall removes a channel's active-call mapping.
func (c *Cache) ClearActiveCall(ctx context.Context, channelID string) error {
	return c.del(ctx, fmt.Sprintf(keyCallActive, channelID))
}

// SetRecentMatch marks a pair as recently matched for the cooldown duration.
func (c *Cache) SetRecentMatch(ctx context.Context, pairKey string, cooldown time.Duration) error {
	return c.set(ctx, fmt.Sprintf(keyRecentMatch, pairKey), true, cooldown)
}

// IsRecentMatch reports whether a pair is still within its cooldown window.
func (c *Cache) IsRecentMatch(ctx context.Context, pairKey string) (bool, error) {
	var v bool
	err := c.get(ctx, fmt.Sprintf(keyRecentMatch, pairKey), &v)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	return v, err
}

// SetBroadcastRecord persists a BroadcastRecord under both its forward key
// (source message id) and a reverse-index key per sibling message id, so
// lookup by any of those ids resolves to the same record (spec §4.6, §8).
func (c *Cache) SetBroadcastRecord(ctx context.Context, rec model.BroadcastRecord, ttl time.Duration) error {
	if err := c.set(ctx, fmt.Sprintf(keyBroadcast, rec.SourceMessageID), rec, ttl); err != nil {
		return err
	}
	for _, siblingMsgID := range rec.Broadcasts {
		if err := c.set(ctx, fmt.Sprintf(keyBroadcastRev, siblingMsgID), rec.SourceMessageID, ttl); err != nil {
			return err
		}
	}
	return nil
}

// FindBroadcastBySourceMessage looks up a record by its source message id.
func (c *Cache) FindBroadcastBySourceMessage(ctx context.Context, sourceMessageID string) (model.BroadcastRecord, error) {
	var rec model.BroadcastRecord
	err := c.get(ctx, fmt.Sprintf(keyBroadcast, sourceMessageID), &rec)
	return rec, err
}

// FindBroadcastByAnyMessage resolves a record from either the source message
// id or any sibling message id produced from it.
func (c *Cache) FindBroadcastByAnyMessage(ctx context.Context, messageID string) (model.BroadcastRecord, error) {
	if rec, err := c.FindBroadcastBySourceMessage(ctx, messageID); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrMiss) {
		return model.BroadcastRecord{}, err
	}

	var sourceID string
	if err := c.get(ctx, fmt.Sprintf(keyBroadcastRev, messageID), &sourceID); err != nil {
		return model.BroadcastRecord{}, err
	}
	return c.FindBroadcastBySourceMessage(ctx, sourceID)
}

// SetCallMessages stores a call's recent-messages ring for the report window.
func (c *Cache) SetCallMessages(ctx context.Context, callID string, messages []model.CallMessage, retention time.Duration) error {
	return c.set(ctx, fmt.Sprintf(keyCallMessages, callID), messages, retention)
}

// GetCallMessages returns a call's retained recent-messages ring.
func (c *Cache) GetCallMessages(ctx context.Context, callID string) ([]model.CallMessage, error) {
	var msgs []model.CallMessage
	err := c.get(ctx, fmt.Sprintf(keyCallMessages, callID), &msgs)
	return msgs, err
}

// SetCallReport stores a filed report under the call's report-window key.
func (c *Cache) SetCallReport(ctx context.Context, report model.CallReport, retention time.Duration) error {
	return c.set(ctx, fmt.Sprintf(keyCallReport, report.CallID), report, retention)
}

// GetCallReport returns the filed report for callID, or ErrMiss.
func (c *Cache) GetCallReport(ctx context.Context, callID string) (model.CallReport, error) {
	var report model.CallReport
	err := c.get(ctx, fmt.Sprintf(keyCallReport, callID), &report)
	return report, err
}

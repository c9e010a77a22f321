// Package sqlite implements the Entity Store Adapter (spec §4.3) over an
// embedded SQLite database, for standalone single-process deployments that
// don't run a Postgres cluster. It mirrors internal/store/pg's semantics
// exactly; only the SQL dialect and driver differ, following the teacher
// pack's mattn/go-sqlite3 PRAGMA conventions (see
// 88lin-divinesense/store/db/sqlite/sqlite.go) adapted to the pure-Go
// modernc.org/sqlite driver so the module stays fully cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

// Store implements store.Store over an embedded SQLite file, invalidating
// the Cache Layer on every Connection/Hub mutation per spec §4.2.
type Store struct {
	db    *sql.DB
	cache *cache.Cache
}

// OpenDB opens a SQLite database at path, enabling WAL mode and foreign
// keys the way the teacher pack configures its embedded stores.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	db.SetMaxOpenConns(1)
	if err := bootstrapSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// bootstrapSchema creates the schema inline rather than via golang-migrate:
// migrate's sqlite3 driver requires the cgo-based mattn/go-sqlite3, which
// the standalone mode deliberately avoids in favor of modernc.org/sqlite.
// Postgres deployments still use migrations/ normally (see cmd/migrate.go).
func bootstrapSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS hubs (
		id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, description TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT NOT NULL, visibility TEXT NOT NULL DEFAULT 'private',
		rules TEXT NOT NULL DEFAULT '', icon_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL, nsfw_allowed INTEGER NOT NULL DEFAULT 0,
		antiswear_words TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_hubs_owner ON hubs (owner_user_id);

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY, channel_id TEXT NOT NULL UNIQUE, server_id TEXT NOT NULL,
		hub_id TEXT NOT NULL REFERENCES hubs(id) ON DELETE CASCADE,
		connected INTEGER NOT NULL DEFAULT 1, webhook_url TEXT NOT NULL DEFAULT '',
		compact INTEGER NOT NULL DEFAULT 0, embed_color INTEGER NOT NULL DEFAULT 0,
		last_active TEXT NOT NULL, invite TEXT NOT NULL DEFAULT '',
		fail_streak INTEGER NOT NULL DEFAULT 0, unhealthy INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_connections_hub ON connections (hub_id);

	CREATE TABLE IF NOT EXISTS hub_rules_acceptances (
		user_id TEXT NOT NULL, hub_id TEXT NOT NULL, accepted_at TEXT NOT NULL,
		PRIMARY KEY (user_id, hub_id)
	);

	CREATE TABLE IF NOT EXISTS bans (
		id TEXT PRIMARY KEY, subject_user_id TEXT NOT NULL, moderator_user_id TEXT NOT NULL,
		reason TEXT NOT NULL, type TEXT NOT NULL, created_at TEXT NOT NULL,
		expires_at TEXT, status TEXT NOT NULL DEFAULT 'ACTIVE'
	);
	CREATE INDEX IF NOT EXISTS idx_bans_subject ON bans (subject_user_id, status);

	CREATE TABLE IF NOT EXISTS server_bans (
		id TEXT PRIMARY KEY, subject_server_id TEXT NOT NULL, moderator_user_id TEXT NOT NULL,
		reason TEXT NOT NULL, type TEXT NOT NULL, created_at TEXT NOT NULL,
		expires_at TEXT, status TEXT NOT NULL DEFAULT 'ACTIVE'
	);
	CREATE INDEX IF NOT EXISTS idx_server_bans_subject ON server_bans (subject_server_id, status);

	CREATE TABLE IF NOT EXISTS hub_blacklist (
		id TEXT PRIMARY KEY, hub_id TEXT NOT NULL, subject_id TEXT NOT NULL,
		is_server INTEGER NOT NULL DEFAULT 0, moderator_user_id TEXT NOT NULL,
		reason TEXT NOT NULL, created_at TEXT NOT NULL, expires_at TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_hub_blacklist_subject ON hub_blacklist (hub_id, subject_id);

	CREATE TABLE IF NOT EXISTS broadcast_records (
		source_message_id TEXT PRIMARY KEY, source_channel_id TEXT NOT NULL,
		hub_id TEXT NOT NULL, author_user_id TEXT NOT NULL, created_at TEXT NOT NULL,
		broadcasts TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS call_requests (
		channel_id TEXT PRIMARY KEY, user_id TEXT NOT NULL, server_id TEXT NOT NULL,
		webhook_url TEXT NOT NULL, enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS active_calls (
		call_id TEXT PRIMARY KEY, started_at TEXT NOT NULL, ended_at TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE', participants TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS call_reports (
		call_id TEXT PRIMARY KEY, reporter_user_id TEXT NOT NULL, reason TEXT NOT NULL,
		reported_at TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'OPEN',
		resolver_user_id TEXT NOT NULL DEFAULT '', resolved_at TEXT,
		banned_subjects TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY, display_name TEXT NOT NULL, avatar_ref TEXT NOT NULL DEFAULT '',
		locale TEXT NOT NULL DEFAULT 'en', accepted_global_rules INTEGER NOT NULL DEFAULT 0,
		badges TEXT NOT NULL DEFAULT '', donation_cents INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("bootstrap sqlite schema: %w", err)
	}
	return nil
}

// New creates a SQLite-backed Store that invalidates through c.
func New(db *sql.DB, c *cache.Cache) *Store {
	return &Store{db: db, cache: c}
}

func (s *Store) Close() error { return s.db.Close() }

const unhealthyThreshold = 5

func joinWords(words []string) string {
	b, _ := json.Marshal(words)
	return string(b)
}

func splitWords(raw string) []string {
	if raw == "" {
		return nil
	}
	var words []string
	_ = json.Unmarshal([]byte(raw), &words)
	return words
}

// ---- ConnectionStore ----

func (s *Store) FindConnection(ctx context.Context, channelID string) (model.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, server_id, hub_id, connected, webhook_url,
		       compact, embed_color, last_active, invite, fail_streak, unhealthy
		FROM connections WHERE channel_id = ?`, channelID)
	return scanConnection(row)
}

func scanConnection(row *sql.Row) (model.Connection, error) {
	var c model.Connection
	var invite sql.NullString
	var connected, compact, unhealthy int
	var lastActive string
	err := row.Scan(&c.ID, &c.ChannelID, &c.ServerID, &c.HubID, &connected, &c.WebhookURL,
		&compact, &c.EmbedColor, &lastActive, &invite, &c.FailStreak, &unhealthy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Connection{}, store.ErrNotFound
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.Connected = connected != 0
	c.Compact = compact != 0
	c.Unhealthy = unhealthy != 0
	c.Invite = invite.String
	c.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)
	return c, nil
}

func (s *Store) UpsertConnection(ctx context.Context, conn model.Connection) (model.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.LastActive.IsZero() {
		conn.LastActive = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, channel_id, server_id, hub_id, connected, webhook_url,
		                          compact, embed_color, last_active, invite, fail_streak, unhealthy)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (channel_id) DO UPDATE SET
			server_id = excluded.server_id, hub_id = excluded.hub_id, connected = excluded.connected,
			webhook_url = excluded.webhook_url, compact = excluded.compact, embed_color = excluded.embed_color,
			last_active = excluded.last_active, invite = excluded.invite`,
		conn.ID, conn.ChannelID, conn.ServerID, conn.HubID, boolInt(conn.Connected), conn.WebhookURL,
		boolInt(conn.Compact), conn.EmbedColor, conn.LastActive.Format(time.RFC3339Nano), conn.Invite,
		conn.FailStreak, boolInt(conn.Unhealthy),
	)
	if err != nil {
		return model.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}
	if err := s.cache.InvalidateConnection(ctx, conn.ChannelID, conn.HubID); err != nil {
		return model.Connection{}, fmt.Errorf("invalidate cache: %w", err)
	}
	return s.FindConnection(ctx, conn.ChannelID)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) DeleteConnection(ctx context.Context, channelID string) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

func (s *Store) SetConnectionWebhookURL(ctx context.Context, channelID, webhookURL string) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE connections SET webhook_url = ? WHERE channel_id = ?`, webhookURL, channelID); err != nil {
		return fmt.Errorf("set webhook url: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

func (s *Store) SetConnectionConnected(ctx context.Context, channelID string, connected bool) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE connections SET connected = ? WHERE channel_id = ?`, boolInt(connected), channelID); err != nil {
		return fmt.Errorf("set connected: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

func (s *Store) RecordConnectionFailure(ctx context.Context, channelID string) (model.Connection, error) {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return model.Connection{}, err
	}
	conn.FailStreak++
	conn.Unhealthy = conn.FailStreak >= unhealthyThreshold
	if _, err := s.db.ExecContext(ctx, `UPDATE connections SET fail_streak = ?, unhealthy = ? WHERE channel_id = ?`,
		conn.FailStreak, boolInt(conn.Unhealthy), channelID); err != nil {
		return model.Connection{}, fmt.Errorf("record failure: %w", err)
	}
	if err := s.cache.InvalidateConnection(ctx, channelID, conn.HubID); err != nil {
		return model.Connection{}, err
	}
	return conn, nil
}

func (s *Store) ResetConnectionHealth(ctx context.Context, channelID string) error {
	conn, err := s.FindConnection(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE connections SET fail_streak = 0, unhealthy = 0 WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("reset health: %w", err)
	}
	return s.cache.InvalidateConnection(ctx, channelID, conn.HubID)
}

func (s *Store) DeleteConnectionsWhere(ctx context.Context, hubID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM connections WHERE hub_id = ?`, hubID)
	if err != nil {
		return fmt.Errorf("list connections for cascade: %w", err)
	}
	var channelIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan channel id: %w", err)
		}
		channelIDs = append(channelIDs, id)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE hub_id = ?`, hubID); err != nil {
		return fmt.Errorf("delete connections: %w", err)
	}
	for _, channelID := range channelIDs {
		if err := s.cache.InvalidateConnection(ctx, channelID, hubID); err != nil {
			return err
		}
	}
	return s.cache.InvalidateHub(ctx, hubID)
}

func (s *Store) ListConnectionsByHub(ctx context.Context, hubID string) ([]model.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, server_id, hub_id, connected, webhook_url,
		       compact, embed_color, last_active, invite, fail_streak, unhealthy
		FROM connections WHERE hub_id = ?`, hubID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		var c model.Connection
		var invite sql.NullString
		var connected, compact, unhealthy int
		var lastActive string
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.ServerID, &c.HubID, &connected, &c.WebhookURL,
			&compact, &c.EmbedColor, &lastActive, &invite, &c.FailStreak, &unhealthy); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.Connected, c.Compact, c.Unhealthy = connected != 0, compact != 0, unhealthy != 0
		c.Invite = invite.String
		c.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- HubStore ----

const hubSelect = `
	SELECT id, name, description, owner_user_id, visibility, rules, icon_ref,
	       created_at, nsfw_allowed, antiswear_words
	FROM hubs`

func (s *Store) FindHub(ctx context.Context, hubID string) (model.Hub, error) {
	return scanHub(s.db.QueryRowContext(ctx, hubSelect+` WHERE id = ?`, hubID))
}

func (s *Store) FindHubByName(ctx context.Context, name string) (model.Hub, error) {
	return scanHub(s.db.QueryRowContext(ctx, hubSelect+` WHERE name = ?`, name))
}

func scanHub(row *sql.Row) (model.Hub, error) {
	var h model.Hub
	var rules, words, visibility, createdAt string
	var nsfw int
	err := row.Scan(&h.ID, &h.Name, &h.Description, &h.OwnerUserID, &visibility, &rules, &h.IconRef,
		&createdAt, &nsfw, &words)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Hub{}, store.ErrNotFound
	}
	if err != nil {
		return model.Hub{}, fmt.Errorf("scan hub: %w", err)
	}
	h.Visibility = model.Visibility(visibility)
	h.Rules = splitWords(rules)
	h.Settings.NSFWAllowed = nsfw != 0
	h.Settings.AntiSwearWords = splitWords(words)
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return h, nil
}

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
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		hub.ID, hub.Name, hub.Description, hub.OwnerUserID, string(hub.Visibility),
		joinWords(hub.Rules), hub.IconRef, hub.CreatedAt.Format(time.RFC3339Nano), boolInt(hub.Settings.NSFWAllowed),
		joinWords(hub.Settings.AntiSwearWords),
	)
	if isUniqueViolation(err) {
		return model.Hub{}, fmt.Errorf("%w: hub name %q already taken", store.ErrConflict, hub.Name)
	}
	if err != nil {
		return model.Hub{}, fmt.Errorf("create hub: %w", err)
	}
	return hub, nil
}

func (s *Store) DeleteHub(ctx context.Context, hubID string) error {
	if err := s.DeleteConnectionsWhere(ctx, hubID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hubs WHERE id = ?`, hubID); err != nil {
		return fmt.Errorf("delete hub: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete hub: %w", err)
	}
	return s.cache.InvalidateHub(ctx, hubID)
}

func (s *Store) CountHubsOwnedBy(ctx context.Context, ownerUserID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM hubs WHERE owner_user_id = ?`, ownerUserID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count hubs: %w", err)
	}
	return n, nil
}

// isUniqueViolation detects SQLite's constraint-violation error text, since
// modernc.org/sqlite reports it as a plain *sqlite.Error without a typed
// SQLSTATE the way pgx does.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return len(err.Error()) > 0 && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// ---- RulesStore ----

func (s *Store) FindRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, hub_id, accepted_at FROM hub_rules_acceptances WHERE user_id = ? AND hub_id = ?`, userID, hubID)
	var a model.HubRulesAcceptance
	var acceptedAt string
	err := row.Scan(&a.UserID, &a.HubID, &acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HubRulesAcceptance{}, store.ErrNotFound
	}
	if err != nil {
		return model.HubRulesAcceptance{}, fmt.Errorf("scan rules acceptance: %w", err)
	}
	a.AcceptedAt, _ = time.Parse(time.RFC3339Nano, acceptedAt)
	return a, nil
}

func (s *Store) CreateRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hub_rules_acceptances (user_id, hub_id, accepted_at) VALUES (?,?,?)
		ON CONFLICT (user_id, hub_id) DO UPDATE SET accepted_at = excluded.accepted_at`,
		userID, hubID, now.Format(time.RFC3339Nano))
	if err != nil {
		return model.HubRulesAcceptance{}, fmt.Errorf("create rules acceptance: %w", err)
	}
	return model.HubRulesAcceptance{UserID: userID, HubID: hubID, AcceptedAt: now}, nil
}

// ---- BanStore ----

func (s *Store) FindActiveBan(ctx context.Context, userID string) (model.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_user_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM bans WHERE subject_user_id = ? AND status = 'ACTIVE' ORDER BY created_at DESC LIMIT 1`, userID)
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
	var banType, status, createdAt string
	var expiresAt sql.NullString
	err := row.Scan(&b.ID, &b.SubjectUserID, &b.ModeratorUserID, &b.Reason, &banType, &createdAt, &expiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ban{}, store.ErrNotFound
	}
	if err != nil {
		return model.Ban{}, fmt.Errorf("scan ban: %w", err)
	}
	b.Type, b.Status = model.BanType(banType), model.BanStatus(status)
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		b.ExpiresAt = &t
	}
	return b, nil
}

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

	var expiresAt any
	if ban.ExpiresAt != nil {
		expiresAt = ban.ExpiresAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (id, subject_user_id, moderator_user_id, reason, type, created_at, expires_at, status)
		VALUES (?,?,?,?,?,?,?,?)`,
		ban.ID, ban.SubjectUserID, ban.ModeratorUserID, ban.Reason, string(ban.Type),
		ban.CreatedAt.Format(time.RFC3339Nano), expiresAt, string(ban.Status))
	if err != nil {
		return model.Ban{}, fmt.Errorf("create ban: %w", err)
	}
	return ban, nil
}

func (s *Store) RevokeBan(ctx context.Context, banID, moderatorUserID string) (model.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_user_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM bans WHERE id = ?`, banID)
	ban, err := scanBan(row)
	if err != nil {
		return model.Ban{}, err
	}
	if ban.Status != model.BanStatusActive {
		return model.Ban{}, store.ErrNotRevocable
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE bans SET status = 'REVOKED' WHERE id = ?`, banID); err != nil {
		return model.Ban{}, fmt.Errorf("revoke ban: %w", err)
	}
	ban.Status = model.BanStatusRevoked
	return ban, nil
}

func (s *Store) FindActiveServerBan(ctx context.Context, serverID string) (model.ServerBan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_server_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM server_bans WHERE subject_server_id = ? AND status = 'ACTIVE' ORDER BY created_at DESC LIMIT 1`, serverID)
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
	var banType, status, createdAt string
	var expiresAt sql.NullString
	err := row.Scan(&b.ID, &b.SubjectServerID, &b.ModeratorUserID, &b.Reason, &banType, &createdAt, &expiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ServerBan{}, store.ErrNotFound
	}
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("scan server ban: %w", err)
	}
	b.Type, b.Status = model.BanType(banType), model.BanStatus(status)
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		b.ExpiresAt = &t
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

	var expiresAt any
	if ban.ExpiresAt != nil {
		expiresAt = ban.ExpiresAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_bans (id, subject_server_id, moderator_user_id, reason, type, created_at, expires_at, status)
		VALUES (?,?,?,?,?,?,?,?)`,
		ban.ID, ban.SubjectServerID, ban.ModeratorUserID, ban.Reason, string(ban.Type),
		ban.CreatedAt.Format(time.RFC3339Nano), expiresAt, string(ban.Status))
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("create server ban: %w", err)
	}
	return ban, nil
}

func (s *Store) RevokeServerBan(ctx context.Context, banID, moderatorUserID string) (model.ServerBan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_server_id, moderator_user_id, reason, type, created_at, expires_at, status
		FROM server_bans WHERE id = ?`, banID)
	ban, err := scanServerBan(row)
	if err != nil {
		return model.ServerBan{}, err
	}
	if ban.Status != model.BanStatusActive {
		return model.ServerBan{}, store.ErrNotRevocable
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE server_bans SET status = 'REVOKED' WHERE id = ?`, banID); err != nil {
		return model.ServerBan{}, fmt.Errorf("revoke server ban: %w", err)
	}
	ban.Status = model.BanStatusRevoked
	return ban, nil
}

func (s *Store) FindHubBlacklist(ctx context.Context, hubID, subjectID string) (model.HubBlacklistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hub_id, subject_id, is_server, moderator_user_id, reason, created_at, expires_at
		FROM hub_blacklist WHERE hub_id = ? AND subject_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		hubID, subjectID, time.Now().Format(time.RFC3339Nano))
	var e model.HubBlacklistEntry
	var isServer int
	var createdAt string
	var expiresAt sql.NullString
	err := row.Scan(&e.ID, &e.HubID, &e.SubjectID, &isServer, &e.ModeratorUserID, &e.Reason, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HubBlacklistEntry{}, store.ErrNotFound
	}
	if err != nil {
		return model.HubBlacklistEntry{}, fmt.Errorf("scan blacklist entry: %w", err)
	}
	e.IsServer = isServer != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		e.ExpiresAt = &t
	}
	return e, nil
}

func (s *Store) SweepExpiredBans(ctx context.Context, now time.Time) (int, error) {
	nowStr := now.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE bans SET status = 'EXPIRED' WHERE status = 'ACTIVE' AND type = 'TEMPORARY' AND expires_at <= ?`, nowStr)
	if err != nil {
		return 0, fmt.Errorf("sweep expired bans: %w", err)
	}
	n1, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `UPDATE server_bans SET status = 'EXPIRED' WHERE status = 'ACTIVE' AND type = 'TEMPORARY' AND expires_at <= ?`, nowStr)
	if err != nil {
		return 0, fmt.Errorf("sweep expired server bans: %w", err)
	}
	n2, _ := res.RowsAffected()
	return int(n1 + n2), nil
}

// ---- BroadcastStore ----

func (s *Store) InsertBroadcastRecord(ctx context.Context, rec model.BroadcastRecord) error {
	broadcasts, err := json.Marshal(rec.Broadcasts)
	if err != nil {
		return fmt.Errorf("marshal broadcasts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO broadcast_records (source_message_id, source_channel_id, hub_id, author_user_id, created_at, broadcasts)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (source_message_id) DO UPDATE SET broadcasts = excluded.broadcasts`,
		rec.SourceMessageID, rec.SourceChannelID, rec.HubID, rec.AuthorUserID,
		rec.CreatedAt.Format(time.RFC3339Nano), string(broadcasts))
	if err != nil {
		return fmt.Errorf("insert broadcast record: %w", err)
	}
	return nil
}

func (s *Store) FindBroadcastBySourceMessage(ctx context.Context, sourceMessageID string) (model.BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_message_id, source_channel_id, hub_id, author_user_id, created_at, broadcasts
		FROM broadcast_records WHERE source_message_id = ?`, sourceMessageID)
	return scanBroadcastRecord(row)
}

func scanBroadcastRecord(row *sql.Row) (model.BroadcastRecord, error) {
	var rec model.BroadcastRecord
	var createdAt, broadcasts string
	err := row.Scan(&rec.SourceMessageID, &rec.SourceChannelID, &rec.HubID, &rec.AuthorUserID, &createdAt, &broadcasts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BroadcastRecord{}, store.ErrNotFound
	}
	if err != nil {
		return model.BroadcastRecord{}, fmt.Errorf("scan broadcast record: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal([]byte(broadcasts), &rec.Broadcasts); err != nil {
		return model.BroadcastRecord{}, fmt.Errorf("unmarshal broadcasts: %w", err)
	}
	return rec, nil
}

func (s *Store) FindBroadcastByAnyMessage(ctx context.Context, messageID string) (model.BroadcastRecord, error) {
	if rec, err := s.FindBroadcastBySourceMessage(ctx, messageID); err == nil {
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.BroadcastRecord{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_message_id, source_channel_id, hub_id, author_user_id, created_at, broadcasts
		FROM broadcast_records`)
	if err != nil {
		return model.BroadcastRecord{}, fmt.Errorf("scan broadcast records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec model.BroadcastRecord
		var createdAt, broadcasts string
		if err := rows.Scan(&rec.SourceMessageID, &rec.SourceChannelID, &rec.HubID, &rec.AuthorUserID, &createdAt, &broadcasts); err != nil {
			return model.BroadcastRecord{}, fmt.Errorf("scan broadcast record: %w", err)
		}
		var siblings map[string]string
		if err := json.Unmarshal([]byte(broadcasts), &siblings); err != nil {
			return model.BroadcastRecord{}, fmt.Errorf("unmarshal broadcasts: %w", err)
		}
		for _, id := range siblings {
			if id == messageID {
				rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
				rec.Broadcasts = siblings
				return rec, nil
			}
		}
	}
	return model.BroadcastRecord{}, store.ErrNotFound
}

// ---- MatchmakerStore ----

func (s *Store) EnqueueCallRequest(ctx context.Context, req model.CallRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_requests (channel_id, user_id, server_id, webhook_url, enqueued_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (channel_id) DO UPDATE SET enqueued_at = excluded.enqueued_at`,
		req.ChannelID, req.UserID, req.ServerID, req.WebhookURL, req.EnqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue call request: %w", err)
	}
	return nil
}

func (s *Store) DequeueCallRequest(ctx context.Context, exclude func(model.CallRequest) bool) (model.CallRequest, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CallRequest{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT channel_id, user_id, server_id, webhook_url, enqueued_at
		FROM call_requests ORDER BY enqueued_at ASC`)
	if err != nil {
		return model.CallRequest{}, false, fmt.Errorf("scan queue: %w", err)
	}
	var candidates []model.CallRequest
	for rows.Next() {
		var r model.CallRequest
		var enqueuedAt string
		if err := rows.Scan(&r.ChannelID, &r.UserID, &r.ServerID, &r.WebhookURL, &enqueuedAt); err != nil {
			rows.Close()
			return model.CallRequest{}, false, fmt.Errorf("scan call request: %w", err)
		}
		r.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		candidates = append(candidates, r)
	}
	rows.Close()

	for _, r := range candidates {
		if exclude != nil && exclude(r) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM call_requests WHERE channel_id = ?`, r.ChannelID); err != nil {
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_requests WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("remove call request: %w", err)
	}
	return nil
}

func (s *Store) SweepStaleCallRequests(ctx context.Context, maxWait time.Duration) ([]model.CallRequest, error) {
	cutoff := time.Now().Add(-maxWait).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, server_id, webhook_url, enqueued_at
		FROM call_requests WHERE enqueued_at <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan stale requests: %w", err)
	}
	var stale []model.CallRequest
	for rows.Next() {
		var r model.CallRequest
		var enqueuedAt string
		if err := rows.Scan(&r.ChannelID, &r.UserID, &r.ServerID, &r.WebhookURL, &enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan call request: %w", err)
		}
		r.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		stale = append(stale, r)
	}
	rows.Close()

	for _, r := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM call_requests WHERE channel_id = ?`, r.ChannelID); err != nil {
			return nil, fmt.Errorf("remove stale request: %w", err)
		}
	}
	return stale, nil
}

// ---- CallStore ----

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
		VALUES (?,?,?,?,?)`,
		call.CallID, call.StartedAt.Format(time.RFC3339Nano), nil, string(call.Status), string(participants))
	if err != nil {
		return model.ActiveCall{}, fmt.Errorf("create active call: %w", err)
	}
	return call, nil
}

func (s *Store) FindActiveCall(ctx context.Context, callID string) (model.ActiveCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, started_at, ended_at, status, participants FROM active_calls WHERE call_id = ?`, callID)
	return scanActiveCall(row)
}

func scanActiveCall(row *sql.Row) (model.ActiveCall, error) {
	var c model.ActiveCall
	var status, startedAt, participants string
	var endedAt sql.NullString
	err := row.Scan(&c.CallID, &startedAt, &endedAt, &status, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ActiveCall{}, store.ErrNotFound
	}
	if err != nil {
		return model.ActiveCall{}, fmt.Errorf("scan active call: %w", err)
	}
	c.Status = model.CallStatus(status)
	c.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		c.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return model.ActiveCall{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	return c, nil
}

func (s *Store) FindActiveCallByChannel(ctx context.Context, channelID string) (model.ActiveCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, started_at, ended_at, status, participants FROM active_calls WHERE status = 'ACTIVE'`)
	if err != nil {
		return model.ActiveCall{}, fmt.Errorf("scan active calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, startedAt, participants string
		var endedAt sql.NullString
		var callID string
		if err := rows.Scan(&callID, &startedAt, &endedAt, &status, &participants); err != nil {
			return model.ActiveCall{}, fmt.Errorf("scan active call: %w", err)
		}
		var c model.ActiveCall
		c.CallID, c.Status = callID, model.CallStatus(status)
		c.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if endedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
			c.EndedAt = &t
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return model.ActiveCall{}, fmt.Errorf("unmarshal participants: %w", err)
		}
		if c.Has(channelID) {
			return c, nil
		}
	}
	return model.ActiveCall{}, store.ErrNotFound
}

func (s *Store) EndActiveCall(ctx context.Context, callID string, endedAt time.Time) (model.ActiveCall, error) {
	call, err := s.FindActiveCall(ctx, callID)
	if err != nil {
		return model.ActiveCall{}, err
	}
	call.Status = model.CallStatusEnded
	call.EndedAt = &endedAt
	if _, err := s.db.ExecContext(ctx, `UPDATE active_calls SET status = ?, ended_at = ? WHERE call_id = ?`,
		string(call.Status), endedAt.Format(time.RFC3339Nano), callID); err != nil {
		return model.ActiveCall{}, fmt.Errorf("end active call: %w", err)
	}
	return call, nil
}

// ---- ReportStore ----

func (s *Store) CreateReport(ctx context.Context, report model.CallReport) (model.CallReport, error) {
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}
	if report.Status == "" {
		report.Status = model.ReportStatusOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_reports (call_id, reporter_user_id, reason, reported_at, status)
		VALUES (?,?,?,?,?) ON CONFLICT (call_id) DO NOTHING`,
		report.CallID, report.ReporterUserID, report.Reason, report.ReportedAt.Format(time.RFC3339Nano), string(report.Status))
	if err != nil {
		return model.CallReport{}, fmt.Errorf("create report: %w", err)
	}
	return report, nil
}

func (s *Store) FindReport(ctx context.Context, callID string) (model.CallReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, reporter_user_id, reason, reported_at, status, resolver_user_id, resolved_at, banned_subjects
		FROM call_reports WHERE call_id = ?`, callID)
	return scanCallReport(row)
}

func scanCallReport(row *sql.Row) (model.CallReport, error) {
	var r model.CallReport
	var status, reportedAt string
	var resolver, resolvedAt, banned sql.NullString
	err := row.Scan(&r.CallID, &r.ReporterUserID, &r.Reason, &reportedAt, &status, &resolver, &resolvedAt, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CallReport{}, store.ErrNotFound
	}
	if err != nil {
		return model.CallReport{}, fmt.Errorf("scan call report: %w", err)
	}
	r.Status = model.ReportStatus(status)
	r.ReportedAt, _ = time.Parse(time.RFC3339Nano, reportedAt)
	r.ResolverUserID = resolver.String
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		r.ResolvedAt = &t
	}
	if banned.Valid && banned.String != "" {
		if err := json.Unmarshal([]byte(banned.String), &r.BannedSubjects); err != nil {
			return model.CallReport{}, fmt.Errorf("unmarshal banned subjects: %w", err)
		}
	}
	return r, nil
}

func (s *Store) ResolveReportBanned(ctx context.Context, callID, resolverUserID string, bannedSubjects []string, resolvedAt time.Time) (model.CallReport, error) {
	report, err := s.FindReport(ctx, callID)
	if err != nil {
		return model.CallReport{}, err
	}
	if report.Status != model.ReportStatusOpen {
		return model.CallReport{}, fmt.Errorf("%w: report is not open", store.ErrConflict)
	}
	banned, err := json.Marshal(bannedSubjects)
	if err != nil {
		return model.CallReport{}, fmt.Errorf("marshal banned subjects: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE call_reports SET status = ?, resolver_user_id = ?, resolved_at = ?, banned_subjects = ? WHERE call_id = ?`,
		string(model.ReportStatusResolvedBanned), resolverUserID, resolvedAt.Format(time.RFC3339Nano), string(banned), callID)
	if err != nil {
		return model.CallReport{}, fmt.Errorf("resolve report: %w", err)
	}
	report.Status = model.ReportStatusResolvedBanned
	report.ResolverUserID = resolverUserID
	report.ResolvedAt = &resolvedAt
	report.BannedSubjects = bannedSubjects
	return report, nil
}

const userSelect = `
	SELECT id, display_name, avatar_ref, locale, accepted_global_rules, badges, donation_cents
	FROM users`

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var badges string
	var accepted int
	err := row.Scan(&u.ID, &u.DisplayName, &u.AvatarRef, &u.Locale, &accepted, &badges, &u.DonationCents)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, store.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.AcceptedGlobalRules = accepted != 0
	u.Badges = splitWords(badges)
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, userID string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, userID))
}

// UpsertUser creates the User lazily on first observation (spec §3) or
// refreshes its transport-derived fields otherwise.
func (s *Store) UpsertUser(ctx context.Context, userID, displayName, avatarRef, locale string) (model.User, error) {
	if locale == "" {
		locale = "en"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar_ref, locale)
		VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref, locale = excluded.locale`,
		userID, displayName, avatarRef, locale,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return s.FindUser(ctx, userID)
}

var _ store.Store = (*Store)(nil)

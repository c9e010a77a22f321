// Package store defines the Entity Store Adapter of spec §4.3: a narrow
// typed API over the relational store for the entities in §3. Every
// mutation helper that touches a Connection or Hub invalidates the Cache
// Layer internally before returning, per §4.2's invalidation contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/interchat/core/internal/model"
)

// ErrNotFound is returned by single-entity lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness invariant would be violated
// (duplicate or over-long Hub name, duplicate ACTIVE ban, resolving a
// report that is not OPEN).
var ErrConflict = errors.New("store: conflict")

// ErrNotRevocable is returned by RevokeBan/RevokeServerBan when the target
// ban is not currently ACTIVE (spec §4.10: revoking twice fails).
var ErrNotRevocable = errors.New("store: ban is not active")

// Store is the full Entity Store Adapter surface the core consumes.
type Store interface {
	UserStore
	ConnectionStore
	HubStore
	RulesStore
	BanStore
	BroadcastStore
	MatchmakerStore
	CallStore
	ReportStore

	Close() error
}

// UserStore covers the lazily-created User entity (§3).
type UserStore interface {
	FindUser(ctx context.Context, userID string) (model.User, error)
	// UpsertUser creates userID on first observation or refreshes its
	// transport-derived fields (displayName, avatarRef) on subsequent ones;
	// moderation/self-service-owned fields (AcceptedGlobalRules, Badges,
	// DonationCents) are left untouched by this path.
	UpsertUser(ctx context.Context, userID, displayName, avatarRef, locale string) (model.User, error)
}

// ConnectionStore covers Connection reads/writes (§4.3).
type ConnectionStore interface {
	FindConnection(ctx context.Context, channelID string) (model.Connection, error)
	UpsertConnection(ctx context.Context, conn model.Connection) (model.Connection, error)
	DeleteConnection(ctx context.Context, channelID string) error
	SetConnectionWebhookURL(ctx context.Context, channelID, webhookURL string) error
	SetConnectionConnected(ctx context.Context, channelID string, connected bool) error
	RecordConnectionFailure(ctx context.Context, channelID string) (model.Connection, error)
	ResetConnectionHealth(ctx context.Context, channelID string) error
	DeleteConnectionsWhere(ctx context.Context, hubID string) error
	ListConnectionsByHub(ctx context.Context, hubID string) ([]model.Connection, error)
}

// HubStore covers Hub reads/writes (§4.3, §4.12).
type HubStore interface {
	FindHub(ctx context.Context, hubID string) (model.Hub, error)
	FindHubByName(ctx context.Context, name string) (model.Hub, error)
	CreateHub(ctx context.Context, hub model.Hub) (model.Hub, error)
	DeleteHub(ctx context.Context, hubID string) error // cascades to Connections
	CountHubsOwnedBy(ctx context.Context, ownerUserID string) (int, error)
}

// RulesStore covers per-user hub rules acceptance (§4.4).
type RulesStore interface {
	FindRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error)
	CreateRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error)
}

// BanStore covers the ban state machine (§4.10) for users, servers, and
// hub-scoped blacklist entries (§4.5 step 3).
type BanStore interface {
	FindActiveBan(ctx context.Context, userID string) (model.Ban, error)
	FindActiveServerBan(ctx context.Context, serverID string) (model.ServerBan, error)
	CreateBan(ctx context.Context, ban model.Ban) (model.Ban, error)
	RevokeBan(ctx context.Context, banID, moderatorUserID string) (model.Ban, error)
	CreateServerBan(ctx context.Context, ban model.ServerBan) (model.ServerBan, error)
	RevokeServerBan(ctx context.Context, banID, moderatorUserID string) (model.ServerBan, error)
	FindHubBlacklist(ctx context.Context, hubID, subjectID string) (model.HubBlacklistEntry, error)
	SweepExpiredBans(ctx context.Context, now time.Time) (int, error)
}

// BroadcastStore covers durable BroadcastRecord persistence (§4.6). The Cache
// Layer also holds these with a TTL for hot-path reverse lookup; the store is
// the system of record used when the cache entry has aged out but retention
// has not.
type BroadcastStore interface {
	InsertBroadcastRecord(ctx context.Context, rec model.BroadcastRecord) error
	FindBroadcastBySourceMessage(ctx context.Context, sourceMessageID string) (model.BroadcastRecord, error)
	FindBroadcastByAnyMessage(ctx context.Context, messageID string) (model.BroadcastRecord, error)
}

// MatchmakerStore covers the distributed FIFO queue backing the Call
// Matchmaker (§4.8, §5).
type MatchmakerStore interface {
	EnqueueCallRequest(ctx context.Context, req model.CallRequest) error
	DequeueCallRequest(ctx context.Context, exclude func(model.CallRequest) bool) (model.CallRequest, bool, error)
	RemoveCallRequest(ctx context.Context, channelID string) error
	SweepStaleCallRequests(ctx context.Context, maxWait time.Duration) ([]model.CallRequest, error)
}

// CallStore covers ActiveCall persistence across the ACTIVE/ENDED lifecycle
// (§3, §4.8, §4.9).
type CallStore interface {
	CreateActiveCall(ctx context.Context, call model.ActiveCall) (model.ActiveCall, error)
	FindActiveCall(ctx context.Context, callID string) (model.ActiveCall, error)
	FindActiveCallByChannel(ctx context.Context, channelID string) (model.ActiveCall, error)
	EndActiveCall(ctx context.Context, callID string, endedAt time.Time) (model.ActiveCall, error)
}

// ReportStore covers CallReport filing and resolution (§4.10).
type ReportStore interface {
	CreateReport(ctx context.Context, report model.CallReport) (model.CallReport, error)
	FindReport(ctx context.Context, callID string) (model.CallReport, error)
	ResolveReportBanned(ctx context.Context, callID, resolverUserID string, bannedSubjects []string, resolvedAt time.Time) (model.CallReport, error)
}

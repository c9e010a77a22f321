// Package model defines the entities of §3: User, Hub, Connection, bans,
// broadcast records, and the ephemeral call-matchmaking records.
package model

import "time"

// Visibility is the discoverability of a Hub.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// BanType distinguishes a permanent ban from one that expires.
type BanType string

const (
	BanTypePermanent BanType = "PERMANENT"
	BanTypeTemporary BanType = "TEMPORARY"
)

// BanStatus is the current lifecycle state of a Ban or ServerBan.
type BanStatus string

const (
	BanStatusActive  BanStatus = "ACTIVE"
	BanStatusRevoked BanStatus = "REVOKED"
	BanStatusExpired BanStatus = "EXPIRED"
)

// ReportStatus is the lifecycle state of a CallReport.
type ReportStatus string

const (
	ReportStatusOpen           ReportStatus = "OPEN"
	ReportStatusDismissed      ReportStatus = "DISMISSED"
	ReportStatusResolvedBanned ReportStatus = "RESOLVED_BANNED"
)

// User is a Chat Transport identity, created lazily on first observation.
type User struct {
	ID                  string
	DisplayName         string
	AvatarRef           string
	Locale              string
	AcceptedGlobalRules bool
	Badges              []string
	DonationCents       int64
}

// Hub is a named logical chat space mirroring messages across Connections.
type Hub struct {
	ID          string
	Name        string
	Description string
	OwnerUserID string
	Visibility  Visibility
	Rules       []string
	IconRef     string
	CreatedAt   time.Time
	Settings    HubSettings
}

// HubSettings are the moderation policy knobs a Hub owner controls.
type HubSettings struct {
	NSFWAllowed    bool
	AntiSwearWords []string
}

// HasRules reports whether acceptance is required before admission.
func (h Hub) HasRules() bool { return len(h.Rules) > 0 }

// Connection binds one chat-platform channel to one Hub.
type Connection struct {
	ID          string
	ChannelID   string
	ServerID    string
	HubID       string
	Connected   bool
	WebhookURL  string
	Compact     bool
	EmbedColor  int
	LastActive  time.Time
	Invite      string
	FailStreak  int
	Unhealthy   bool
}

// NeedsWebhook reports whether a webhook must be provisioned before broadcast.
func (c Connection) NeedsWebhook() bool { return c.WebhookURL == "" }

// HubRulesAcceptance records that a user has accepted a Hub's rules.
type HubRulesAcceptance struct {
	UserID     string
	HubID      string
	AcceptedAt time.Time
}

// Ban is a global, user-scoped moderation action.
type Ban struct {
	ID              string
	SubjectUserID   string
	ModeratorUserID string
	Reason          string
	Type            BanType
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Status          BanStatus
}

// EffectiveStatus resolves the TEMPORARY-past-expiry rule of §3: a TEMPORARY
// ban with expiresAt <= now reports as EXPIRED regardless of stored status.
func (b Ban) EffectiveStatus(now time.Time) BanStatus {
	if b.Status == BanStatusRevoked {
		return BanStatusRevoked
	}
	if b.Type == BanTypeTemporary && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
		return BanStatusExpired
	}
	return b.Status
}

// ServerBan is a global, server-scoped moderation action.
type ServerBan struct {
	ID              string
	SubjectServerID string
	ModeratorUserID string
	Reason          string
	Type            BanType
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Status          BanStatus
}

// EffectiveStatus mirrors Ban.EffectiveStatus for server-scoped bans.
func (b ServerBan) EffectiveStatus(now time.Time) BanStatus {
	if b.Status == BanStatusRevoked {
		return BanStatusRevoked
	}
	if b.Type == BanTypeTemporary && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
		return BanStatusExpired
	}
	return b.Status
}

// HubBlacklistEntry is a Hub-scoped infraction against a user or server.
type HubBlacklistEntry struct {
	ID              string
	HubID           string
	SubjectID       string
	IsServer        bool
	ModeratorUserID string
	Reason          string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
}

// BroadcastRecord maps one source message to the sibling messages it produced.
type BroadcastRecord struct {
	SourceMessageID string
	SourceChannelID string
	HubID           string
	AuthorUserID    string
	CreatedAt       time.Time
	Broadcasts      map[string]string // siblingChannelID -> siblingMessageID
}

// CallRequest is a matchmaker queue entry awaiting pairing.
type CallRequest struct {
	ChannelID  string
	UserID     string
	ServerID   string
	WebhookURL string
	EnqueuedAt time.Time
}

// CallParticipant is one side of an ActiveCall.
type CallParticipant struct {
	ChannelID  string
	ServerID   string
	WebhookURL string
	Users      map[string]struct{}
	JoinedAt   time.Time
}

// CallStatus is the lifecycle state of an ActiveCall.
type CallStatus string

const (
	CallStatusActive CallStatus = "ACTIVE"
	CallStatusEnded  CallStatus = "ENDED"
)

// ActiveCall is a live or recently-ended 1:1 channel pairing.
type ActiveCall struct {
	CallID       string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       CallStatus
	Participants [2]CallParticipant
}

// Peer returns the participant on the other side of channelID, if any.
func (c ActiveCall) Peer(channelID string) (CallParticipant, bool) {
	for _, p := range c.Participants {
		if p.ChannelID != channelID {
			return p, true
		}
	}
	return CallParticipant{}, false
}

// Has reports whether channelID is one of the call's two participants.
func (c ActiveCall) Has(channelID string) bool {
	for _, p := range c.Participants {
		if p.ChannelID == channelID {
			return true
		}
	}
	return false
}

// CallMessage is one entry in a call's recent-messages ring (§4.9).
type CallMessage struct {
	Timestamp      time.Time
	AuthorID       string
	AuthorName     string
	Content        string
	AttachmentURL  string
	ReplyToIndex   int // index into the ring this message replies to, -1 if none
	Blocked        bool
}

// CallReport is a staff-facing report filed against an ended call.
type CallReport struct {
	CallID         string
	ReporterUserID string
	Reason         string
	ReportedAt     time.Time
	Status         ReportStatus
	ResolverUserID string
	ResolvedAt     *time.Time
	BannedSubjects []string
}

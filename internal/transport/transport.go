// Package transport defines the Chat Transport boundary of spec §6: the
// platform-specific gateway/webhook/REST surface the core consumes but does
// not own. Any chat platform offering per-channel webhook endpoints and
// gateway events for messages and interactive components can implement it.
package transport

import (
	"context"
	"time"
)

// InboundMessage is a chat event delivered to the core's onMessage handler.
type InboundMessage struct {
	MessageID     string
	ChannelID     string
	ServerID      string // empty for a DM-like context
	AuthorID      string
	AuthorName    string
	AuthorAvatar  string
	Content       string
	AttachmentURL string
	ChannelIsNSFW bool
	RepliedToID   string // empty if not a reply
	CreatedAt     time.Time
}

// InboundEdit is a chat event reporting a message was edited at the source.
type InboundEdit struct {
	MessageID string
	ChannelID string
	NewText   string
}

// InboundDelete is a chat event reporting a message was deleted at the
// source.
type InboundDelete struct {
	MessageID string
	ChannelID string
}

// WebhookPayload is the outbound shape sent to a sibling channel's webhook.
type WebhookPayload struct {
	Text          string
	AuthorName    string
	AuthorAvatar  string
	Attachments   []string
	EmbedColor    int
	Compact       bool
	ReplyExcerpt  string // set when decorating a reply with a quoted excerpt
}

// Transport is the Chat Transport operations the core requires (spec §6).
// Implementations deliver inbound events by invoking the handlers passed to
// OnMessage/OnMessageEdit/OnMessageDelete from their own gateway goroutine.
type Transport interface {
	OnMessage(handler func(context.Context, InboundMessage))
	OnMessageEdit(handler func(context.Context, InboundEdit))
	OnMessageDelete(handler func(context.Context, InboundDelete))

	FetchUser(ctx context.Context, userID string) (User, error)
	FetchChannel(ctx context.Context, channelID string) (Channel, error)
	FetchGuild(ctx context.Context, guildID string) (Guild, error)

	SendWebhook(ctx context.Context, webhookURL string, payload WebhookPayload) (messageID string, err error)
	EditWebhookMessage(ctx context.Context, webhookURL, messageID string, payload WebhookPayload) error
	DeleteWebhookMessage(ctx context.Context, webhookURL, messageID string) error

	CreateWebhook(ctx context.Context, channelID string) (webhookURL string, err error)
	ListChannelWebhooks(ctx context.Context, channelID string) ([]string, error)

	// SendTyping signals a typing indicator in channelID.
	SendTyping(ctx context.Context, channelID string) error

	// Start opens the gateway connection; Stop closes it.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// User is the transport's view of a chat-platform user identity.
type User struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Channel is the transport's view of a chat-platform channel.
type Channel struct {
	ID      string
	ServerID string
	NSFW    bool
}

// Guild is the transport's view of a chat-platform server/guild.
type Guild struct {
	ID   string
	Name string
}

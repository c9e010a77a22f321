// Package discord implements the Chat Transport (spec §6) over Discord's
// gateway and webhook APIs via discordgo, mirroring the teacher's gateway
// wiring style (session lifecycle, handler registration, slog logging).
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/interchat/core/internal/config"
	"github.com/interchat/core/internal/transport"
)

// Transport adapts a discordgo.Session to the transport.Transport interface.
type Transport struct {
	session *discordgo.Session
	botID   string

	onMessage func(context.Context, transport.InboundMessage)
	onEdit    func(context.Context, transport.InboundEdit)
	onDelete  func(context.Context, transport.InboundDelete)
}

// New creates a Discord transport from config. Start must be called before
// any gateway events are delivered.
func New(cfg config.DiscordConfig) (*Transport, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	t := &Transport{session: session}
	session.AddHandler(t.handleMessageCreate)
	session.AddHandler(t.handleMessageUpdate)
	session.AddHandler(t.handleMessageDelete)
	return t, nil
}

func (t *Transport) OnMessage(handler func(context.Context, transport.InboundMessage)) {
	t.onMessage = handler
}

func (t *Transport) OnMessageEdit(handler func(context.Context, transport.InboundEdit)) {
	t.onEdit = handler
}

func (t *Transport) OnMessageDelete(handler func(context.Context, transport.InboundDelete)) {
	t.onDelete = handler
}

// Start opens the gateway connection and resolves the bot's own identity,
// needed to filter the bot's own messages out of handleMessageCreate.
func (t *Transport) Start(_ context.Context) error {
	slog.Info("starting discord transport")
	if err := t.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := t.session.User("@me")
	if err != nil {
		t.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	t.botID = user.ID
	slog.Info("discord transport connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (t *Transport) Stop(_ context.Context) error {
	slog.Info("stopping discord transport")
	return t.session.Close()
}

func (t *Transport) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if t.onMessage == nil || m.Author == nil || m.Author.ID == t.botID || m.Author.Bot {
		return
	}

	attachmentURL := ""
	if len(m.Attachments) > 0 {
		attachmentURL = m.Attachments[0].URL
	}

	repliedTo := ""
	if m.MessageReference != nil {
		repliedTo = m.MessageReference.MessageID
	}

	channelNSFW := false
	if ch, err := t.session.State.Channel(m.ChannelID); err == nil {
		channelNSFW = ch.NSFW
	}

	t.onMessage(context.Background(), transport.InboundMessage{
		MessageID:     m.ID,
		ChannelID:     m.ChannelID,
		ServerID:      m.GuildID,
		AuthorID:      m.Author.ID,
		AuthorName:    resolveDisplayName(m.Member, m.Author),
		AuthorAvatar:  m.Author.AvatarURL(""),
		Content:       m.Content,
		AttachmentURL: attachmentURL,
		ChannelIsNSFW: channelNSFW,
		RepliedToID:   repliedTo,
		CreatedAt:     m.Timestamp,
	})
}

func (t *Transport) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if t.onEdit == nil || m.Author == nil || m.Author.ID == t.botID {
		return
	}
	t.onEdit(context.Background(), transport.InboundEdit{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		NewText:   m.Content,
	})
}

func (t *Transport) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if t.onDelete == nil {
		return
	}
	t.onDelete(context.Background(), transport.InboundDelete{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
	})
}

func resolveDisplayName(member *discordgo.Member, author *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if author.GlobalName != "" {
		return author.GlobalName
	}
	return author.Username
}

func (t *Transport) FetchUser(_ context.Context, userID string) (transport.User, error) {
	u, err := t.session.User(userID)
	if err != nil {
		return transport.User{}, fmt.Errorf("fetch discord user %s: %w", userID, err)
	}
	return transport.User{ID: u.ID, DisplayName: u.Username, AvatarRef: u.AvatarURL("")}, nil
}

func (t *Transport) FetchChannel(_ context.Context, channelID string) (transport.Channel, error) {
	c, err := t.session.Channel(channelID)
	if err != nil {
		return transport.Channel{}, fmt.Errorf("fetch discord channel %s: %w", channelID, err)
	}
	return transport.Channel{ID: c.ID, ServerID: c.GuildID, NSFW: c.NSFW}, nil
}

func (t *Transport) FetchGuild(_ context.Context, guildID string) (transport.Guild, error) {
	g, err := t.session.Guild(guildID)
	if err != nil {
		return transport.Guild{}, fmt.Errorf("fetch discord guild %s: %w", guildID, err)
	}
	return transport.Guild{ID: g.ID, Name: g.Name}, nil
}

func (t *Transport) CreateWebhook(_ context.Context, channelID string) (string, error) {
	wh, err := t.session.WebhookCreate(channelID, "InterChat", "")
	if err != nil {
		return "", fmt.Errorf("create discord webhook on %s: %w", channelID, err)
	}
	return webhookURL(wh.ID, wh.Token), nil
}

func (t *Transport) ListChannelWebhooks(_ context.Context, channelID string) ([]string, error) {
	hooks, err := t.session.ChannelWebhooks(channelID)
	if err != nil {
		return nil, fmt.Errorf("list discord webhooks on %s: %w", channelID, err)
	}
	urls := make([]string, 0, len(hooks))
	for _, h := range hooks {
		if h.Token != "" {
			urls = append(urls, webhookURL(h.ID, h.Token))
		}
	}
	return urls, nil
}

func (t *Transport) SendWebhook(_ context.Context, webhookURL string, payload transport.WebhookPayload) (string, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return "", err
	}
	params := buildWebhookParams(payload)
	msg, err := t.session.WebhookExecute(id, token, true, params)
	if err != nil {
		return "", fmt.Errorf("execute discord webhook: %w", err)
	}
	return msg.ID, nil
}

func (t *Transport) EditWebhookMessage(_ context.Context, webhookURL, messageID string, payload transport.WebhookPayload) error {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return err
	}
	edit := &discordgo.WebhookEdit{Content: &payload.Text}
	if _, err := t.session.WebhookMessageEdit(id, token, messageID, edit); err != nil {
		return fmt.Errorf("edit discord webhook message: %w", err)
	}
	return nil
}

func (t *Transport) DeleteWebhookMessage(_ context.Context, webhookURL, messageID string) error {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return err
	}
	if err := t.session.WebhookMessageDelete(id, token, messageID); err != nil {
		return fmt.Errorf("delete discord webhook message: %w", err)
	}
	return nil
}

func (t *Transport) SendTyping(_ context.Context, channelID string) error {
	if err := t.session.ChannelTyping(channelID); err != nil {
		return fmt.Errorf("send discord typing %s: %w", channelID, err)
	}
	return nil
}

func buildWebhookParams(payload transport.WebhookPayload) *discordgo.WebhookParams {
	content := payload.Text
	if payload.ReplyExcerpt != "" {
		content = fmt.Sprintf("> %s\n%s", payload.ReplyExcerpt, content)
	}
	for _, url := range payload.Attachments {
		content += "\n" + url
	}
	return &discordgo.WebhookParams{
		Content:   content,
		Username:  payload.AuthorName,
		AvatarURL: payload.AuthorAvatar,
	}
}

func webhookURL(id, token string) string {
	return fmt.Sprintf("https://discord.com/api/webhooks/%s/%s", id, token)
}

func parseWebhookURL(url string) (id, token string, err error) {
	const prefix = "https://discord.com/api/webhooks/"
	if !strings.HasPrefix(url, prefix) {
		return "", "", fmt.Errorf("discord: malformed webhook url %q", url)
	}
	parts := strings.SplitN(strings.TrimPrefix(url, prefix), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("discord: malformed webhook url %q", url)
	}
	return parts[0], parts[1], nil
}

var _ transport.Transport = (*Transport)(nil)

package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/interchat/core/internal/transport"
)

func TestResolveDisplayName_PrefersMemberNick(t *testing.T) {
	member := &discordgo.Member{Nick: "Nicky"}
	author := &discordgo.User{Username: "author", GlobalName: "Global"}
	if got := resolveDisplayName(member, author); got != "Nicky" {
		t.Fatalf("resolveDisplayName() = %q, want member nickname", got)
	}
}

func TestResolveDisplayName_FallsBackToGlobalName(t *testing.T) {
	author := &discordgo.User{Username: "author", GlobalName: "Global"}
	if got := resolveDisplayName(nil, author); got != "Global" {
		t.Fatalf("resolveDisplayName() = %q, want global name", got)
	}
}

func TestResolveDisplayName_FallsBackToUsername(t *testing.T) {
	author := &discordgo.User{Username: "author"}
	if got := resolveDisplayName(nil, author); got != "author" {
		t.Fatalf("resolveDisplayName() = %q, want username", got)
	}
}

func TestWebhookURL_RoundTripsWithParseWebhookURL(t *testing.T) {
	url := webhookURL("123", "secret-token")
	id, token, err := parseWebhookURL(url)
	if err != nil {
		t.Fatalf("parseWebhookURL() error = %v", err)
	}
	if id != "123" || token != "secret-token" {
		t.Fatalf("parseWebhookURL() = (%q, %q), want (123, secret-token)", id, token)
	}
}

func TestParseWebhookURL_RejectsMalformedURL(t *testing.T) {
	cases := []string{
		"",
		"https://example.com/not-a-webhook",
		"https://discord.com/api/webhooks/only-id",
		"https://discord.com/api/webhooks//missing-id",
	}
	for _, c := range cases {
		if _, _, err := parseWebhookURL(c); err == nil {
			t.Fatalf("parseWebhookURL(%q) expected error, got nil", c)
		}
	}
}

func TestBuildWebhookParams_PrependsReplyExcerptAndAttachments(t *testing.T) {
	payload := transport.WebhookPayload{
		Text:         "hello",
		AuthorName:   "alice",
		AuthorAvatar: "https://example.test/avatar.png",
		ReplyExcerpt: "previous message",
		Attachments:  []string{"https://example.test/a.png"},
	}
	params := buildWebhookParams(payload)

	want := "> previous message\nhello\nhttps://example.test/a.png"
	if params.Content != want {
		t.Fatalf("Content = %q, want %q", params.Content, want)
	}
	if params.Username != "alice" {
		t.Fatalf("Username = %q, want alice", params.Username)
	}
	if params.AvatarURL != payload.AuthorAvatar {
		t.Fatalf("AvatarURL = %q, want %q", params.AvatarURL, payload.AuthorAvatar)
	}
}

func TestBuildWebhookParams_PlainTextWithoutReplyOrAttachments(t *testing.T) {
	payload := transport.WebhookPayload{Text: "hello", AuthorName: "alice"}
	params := buildWebhookParams(payload)
	if params.Content != "hello" {
		t.Fatalf("Content = %q, want %q", params.Content, "hello")
	}
}

package callsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/interchat/core/internal/admission"
	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
)

type fakeCallStore struct {
	call model.ActiveCall
}

func (f *fakeCallStore) CreateActiveCall(ctx context.Context, call model.ActiveCall) (model.ActiveCall, error) {
	f.call = call
	return call, nil
}
func (f *fakeCallStore) FindActiveCall(ctx context.Context, callID string) (model.ActiveCall, error) {
	if f.call.CallID != callID {
		return model.ActiveCall{}, store.ErrNotFound
	}
	return f.call, nil
}
func (f *fakeCallStore) FindActiveCallByChannel(ctx context.Context, channelID string) (model.ActiveCall, error) {
	for _, p := range f.call.Participants {
		if p.ChannelID == channelID {
			return f.call, nil
		}
	}
	return model.ActiveCall{}, store.ErrNotFound
}
func (f *fakeCallStore) EndActiveCall(ctx context.Context, callID string, endedAt time.Time) (model.ActiveCall, error) {
	f.call.Status = model.CallStatusEnded
	f.call.EndedAt = &endedAt
	return f.call, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []transport.WebhookPayload
}

func (f *fakeTransport) OnMessage(func(context.Context, transport.InboundMessage))     {}
func (f *fakeTransport) OnMessageEdit(func(context.Context, transport.InboundEdit))     {}
func (f *fakeTransport) OnMessageDelete(func(context.Context, transport.InboundDelete)) {}
func (f *fakeTransport) Start(context.Context) error                                   { return nil }
func (f *fakeTransport) Stop(context.Context) error                                    { return nil }
func (f *fakeTransport) FetchUser(context.Context, string) (transport.User, error)     { return transport.User{}, nil }
func (f *fakeTransport) FetchChannel(context.Context, string) (transport.Channel, error) {
	return transport.Channel{}, nil
}
func (f *fakeTransport) FetchGuild(context.Context, string) (transport.Guild, error) {
	return transport.Guild{}, nil
}
func (f *fakeTransport) CreateWebhook(context.Context, string) (string, error)         { return "", nil }
func (f *fakeTransport) ListChannelWebhooks(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeTransport) SendTyping(context.Context, string) error                      { return nil }
func (f *fakeTransport) EditWebhookMessage(context.Context, string, string, transport.WebhookPayload) error {
	return nil
}
func (f *fakeTransport) DeleteWebhookMessage(context.Context, string, string) error { return nil }

func (f *fakeTransport) SendWebhook(_ context.Context, _ string, payload transport.WebhookPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return "msg-1", nil
}

type permissiveFilter struct{}

func (permissiveFilter) Classify(context.Context, string, string) (bool, string, error) {
	return false, "", nil
}

func newTestManager(t *testing.T, tr *fakeTransport, calls *fakeCallStore) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, 5*time.Minute)
	if err := c.SetActiveCall(context.Background(), "c1", calls.call.CallID); err != nil {
		t.Fatalf("SetActiveCall(c1) error = %v", err)
	}
	if err := c.SetActiveCall(context.Background(), "c2", calls.call.CallID); err != nil {
		t.Fatalf("SetActiveCall(c2) error = %v", err)
	}

	spam := admission.NewSpamLimiter(1000, 1000)
	links := NewLinkPolicy(time.Hour)
	return New(calls, c, tr, spam, links, permissiveFilter{}, time.Hour)
}

func baseCall() model.ActiveCall {
	return model.ActiveCall{
		CallID: "call1",
		Status: model.CallStatusActive,
		Participants: [2]model.CallParticipant{
			{ChannelID: "c1", WebhookURL: "https://example.test/wh/c1", Users: map[string]struct{}{}},
			{ChannelID: "c2", WebhookURL: "https://example.test/wh/c2", Users: map[string]struct{}{}},
		},
	}
}

func TestRouteMessage_RelaysToPeer(t *testing.T) {
	tr := &fakeTransport{}
	calls := &fakeCallStore{call: baseCall()}
	mgr := newTestManager(t, tr, calls)

	err := mgr.RouteMessage(context.Background(), transport.InboundMessage{
		MessageID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "alice", Content: "hello",
	})
	if err != nil {
		t.Fatalf("RouteMessage() error = %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 || tr.sent[0].Text != "hello" {
		t.Fatalf("sent = %+v, want one payload with text 'hello'", tr.sent)
	}
}

func TestRouteMessage_BlocksDisallowedLink(t *testing.T) {
	tr := &fakeTransport{}
	calls := &fakeCallStore{call: baseCall()}
	mgr := newTestManager(t, tr, calls)

	err := mgr.RouteMessage(context.Background(), transport.InboundMessage{
		MessageID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "alice",
		Content: "check this out https://evil.example/x",
	})
	if err != nil {
		t.Fatalf("RouteMessage() error = %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d payloads, want 1 (the blocked notice)", len(tr.sent))
	}
	if tr.sent[0].Text == "check this out https://evil.example/x" {
		t.Fatalf("blocked message was relayed verbatim")
	}
}

func TestRouteMessage_AllowsTenorLink(t *testing.T) {
	tr := &fakeTransport{}
	calls := &fakeCallStore{call: baseCall()}
	mgr := newTestManager(t, tr, calls)

	err := mgr.RouteMessage(context.Background(), transport.InboundMessage{
		MessageID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "alice",
		Content: "https://tenor.com/view/cat-dancing",
	})
	if err != nil {
		t.Fatalf("RouteMessage() error = %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 || tr.sent[0].Text != "https://tenor.com/view/cat-dancing" {
		t.Fatalf("sent = %+v, want the tenor link relayed", tr.sent)
	}
}

func TestRouteMessage_ReplyDecoratesExcerpt(t *testing.T) {
	tr := &fakeTransport{}
	calls := &fakeCallStore{call: baseCall()}
	mgr := newTestManager(t, tr, calls)
	ctx := context.Background()

	if err := mgr.RouteMessage(ctx, transport.InboundMessage{
		MessageID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "alice", Content: "first message",
	}); err != nil {
		t.Fatalf("first RouteMessage() error = %v", err)
	}
	if err := mgr.RouteMessage(ctx, transport.InboundMessage{
		MessageID: "m2", ChannelID: "c2", AuthorID: "u2", AuthorName: "bob", Content: "reply", RepliedToID: "m1",
	}); err != nil {
		t.Fatalf("second RouteMessage() error = %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d payloads, want 2", len(tr.sent))
	}
	if tr.sent[1].ReplyExcerpt != "first message" {
		t.Fatalf("ReplyExcerpt = %q, want %q", tr.sent[1].ReplyExcerpt, "first message")
	}
}

func TestRingAppend_TrimsAndShiftsReplyIndex(t *testing.T) {
	var ring []model.CallMessage
	for i := 0; i < ringCapacity+5; i++ {
		ring = appendToRing(ring, model.CallMessage{Content: "m", ReplyToIndex: 0})
	}
	if len(ring) != ringCapacity {
		t.Fatalf("len(ring) = %d, want %d", len(ring), ringCapacity)
	}
	for _, m := range ring {
		if m.ReplyToIndex != -1 {
			t.Fatalf("ReplyToIndex = %d, want -1 after the referenced entry was trimmed", m.ReplyToIndex)
		}
	}
}

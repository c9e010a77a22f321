package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
	"github.com/interchat/core/internal/webhook"
)

type fakeConnectionStore struct {
	mu    sync.Mutex
	conns map[string]model.Connection
}

func newFakeConnectionStore(conns ...model.Connection) *fakeConnectionStore {
	m := make(map[string]model.Connection)
	for _, c := range conns {
		m[c.ChannelID] = c
	}
	return &fakeConnectionStore{conns: m}
}

func (f *fakeConnectionStore) FindConnection(ctx context.Context, channelID string) (model.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[channelID]
	if !ok {
		return model.Connection{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeConnectionStore) UpsertConnection(ctx context.Context, conn model.Connection) (model.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[conn.ChannelID] = conn
	return conn, nil
}

func (f *fakeConnectionStore) DeleteConnection(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, channelID)
	return nil
}

func (f *fakeConnectionStore) SetConnectionWebhookURL(ctx context.Context, channelID, webhookURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conns[channelID]
	c.WebhookURL = webhookURL
	f.conns[channelID] = c
	return nil
}

func (f *fakeConnectionStore) SetConnectionConnected(ctx context.Context, channelID string, connected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conns[channelID]
	c.Connected = connected
	f.conns[channelID] = c
	return nil
}

func (f *fakeConnectionStore) RecordConnectionFailure(ctx context.Context, channelID string) (model.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conns[channelID]
	c.FailStreak++
	if c.FailStreak >= 5 {
		c.Unhealthy = true
	}
	f.conns[channelID] = c
	return c, nil
}

func (f *fakeConnectionStore) ResetConnectionHealth(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conns[channelID]
	c.FailStreak = 0
	c.Unhealthy = false
	f.conns[channelID] = c
	return nil
}

func (f *fakeConnectionStore) DeleteConnectionsWhere(ctx context.Context, hubID string) error {
	return nil
}

func (f *fakeConnectionStore) ListConnectionsByHub(ctx context.Context, hubID string) ([]model.Connection, error) {
	return nil, nil
}

type fakeBroadcastStore struct {
	mu      sync.Mutex
	bySource map[string]model.BroadcastRecord
}

func newFakeBroadcastStore() *fakeBroadcastStore {
	return &fakeBroadcastStore{bySource: make(map[string]model.BroadcastRecord)}
}

func (f *fakeBroadcastStore) InsertBroadcastRecord(ctx context.Context, rec model.BroadcastRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bySource[rec.SourceMessageID] = rec
	return nil
}

func (f *fakeBroadcastStore) FindBroadcastBySourceMessage(ctx context.Context, sourceMessageID string) (model.BroadcastRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.bySource[sourceMessageID]
	if !ok {
		return model.BroadcastRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeBroadcastStore) FindBroadcastByAnyMessage(ctx context.Context, messageID string) (model.BroadcastRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.bySource[messageID]; ok {
		return rec, nil
	}
	for _, rec := range f.bySource {
		for _, siblingID := range rec.Broadcasts {
			if siblingID == messageID {
				return rec, nil
			}
		}
	}
	return model.BroadcastRecord{}, store.ErrNotFound
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []string // channel webhook urls sent to, in call order
	failURLs map[string]error
	nextID   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failURLs: make(map[string]error)}
}

func (f *fakeTransport) OnMessage(func(context.Context, transport.InboundMessage))    {}
func (f *fakeTransport) OnMessageEdit(func(context.Context, transport.InboundEdit))   {}
func (f *fakeTransport) OnMessageDelete(func(context.Context, transport.InboundDelete)) {}
func (f *fakeTransport) Start(context.Context) error                                  { return nil }
func (f *fakeTransport) Stop(context.Context) error                                   { return nil }
func (f *fakeTransport) FetchUser(context.Context, string) (transport.User, error)    { return transport.User{}, nil }
func (f *fakeTransport) FetchChannel(context.Context, string) (transport.Channel, error) {
	return transport.Channel{}, nil
}
func (f *fakeTransport) FetchGuild(context.Context, string) (transport.Guild, error) {
	return transport.Guild{}, nil
}
func (f *fakeTransport) CreateWebhook(_ context.Context, channelID string) (string, error) {
	return "https://example.test/webhook/" + channelID, nil
}
func (f *fakeTransport) ListChannelWebhooks(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeTransport) SendTyping(context.Context, string) error                      { return nil }

func (f *fakeTransport) SendWebhook(_ context.Context, webhookURL string, _ transport.WebhookPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failURLs[webhookURL]; ok {
		return "", err
	}
	f.sent = append(f.sent, webhookURL)
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeTransport) EditWebhookMessage(context.Context, string, string, transport.WebhookPayload) error {
	return nil
}
func (f *fakeTransport) DeleteWebhookMessage(context.Context, string, string) error { return nil }

func newTestService(t *testing.T, tr *fakeTransport, conns *fakeConnectionStore, broadcasts *fakeBroadcastStore) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, 5*time.Minute)
	prov := webhook.New(tr, conns)
	return New(tr, conns, broadcasts, c, prov, nil, time.Hour, 4)
}

func TestBroadcast_DeliversToAllSiblings(t *testing.T) {
	tr := newFakeTransport()
	siblings := []model.Connection{
		{ChannelID: "c2", WebhookURL: "https://example.test/webhook/c2"},
		{ChannelID: "c3", WebhookURL: "https://example.test/webhook/c3"},
	}
	conns := newFakeConnectionStore(siblings...)
	broadcasts := newFakeBroadcastStore()
	svc := newTestService(t, tr, conns, broadcasts)

	msg := SourceMessage{MessageID: "m1", AuthorID: "u1", AuthorName: "alice", Text: "hi"}
	hub := model.Hub{ID: "h1"}

	rec, err := svc.Broadcast(context.Background(), msg, hub, "c1", siblings)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(rec.Broadcasts) != 2 {
		t.Fatalf("Broadcasts = %v, want 2 entries", rec.Broadcasts)
	}
	if rec.SourceMessageID != "m1" || rec.SourceChannelID != "c1" {
		t.Fatalf("rec = %+v, want source m1/c1", rec)
	}
}

func TestBroadcast_SkipsSiblingWhoseProvisionedWebhookReturns404(t *testing.T) {
	tr := newFakeTransport()
	tr.failURLs["https://example.test/webhook/c2"] = fmt.Errorf("simulated 404")
	siblings := []model.Connection{{ChannelID: "c2"}}
	conns := newFakeConnectionStore(siblings...)
	broadcasts := newFakeBroadcastStore()
	svc := newTestService(t, tr, conns, broadcasts)

	msg := SourceMessage{MessageID: "m1", AuthorID: "u1", Text: "hi"}
	rec, err := svc.Broadcast(context.Background(), msg, model.Hub{ID: "h1"}, "c1", siblings)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(rec.Broadcasts) != 0 {
		t.Fatalf("Broadcasts = %v, want empty (delivery failed)", rec.Broadcasts)
	}
}

func TestIdentityMap_ResolvesByAnySiblingMessage(t *testing.T) {
	tr := newFakeTransport()
	siblings := []model.Connection{{ChannelID: "c2", WebhookURL: "https://example.test/webhook/c2"}}
	conns := newFakeConnectionStore(siblings...)
	broadcasts := newFakeBroadcastStore()
	svc := newTestService(t, tr, conns, broadcasts)

	msg := SourceMessage{MessageID: "m1", AuthorID: "u1", Text: "hi"}
	rec, err := svc.Broadcast(context.Background(), msg, model.Hub{ID: "h1"}, "c1", siblings)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	siblingMsgID := rec.Broadcasts["c2"]
	if siblingMsgID == "" {
		t.Fatal("expected sibling message id recorded")
	}

	got, err := svc.identity.resolve(context.Background(), siblingMsgID)
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if got.SourceMessageID != "m1" {
		t.Fatalf("resolve() = %+v, want source m1", got)
	}
}

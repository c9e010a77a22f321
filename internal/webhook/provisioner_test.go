package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
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
	return conn, nil
}
func (f *fakeConnectionStore) DeleteConnection(ctx context.Context, channelID string) error {
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
	return nil
}
func (f *fakeConnectionStore) RecordConnectionFailure(ctx context.Context, channelID string) (model.Connection, error) {
	return model.Connection{}, nil
}
func (f *fakeConnectionStore) ResetConnectionHealth(ctx context.Context, channelID string) error {
	return nil
}
func (f *fakeConnectionStore) DeleteConnectionsWhere(ctx context.Context, hubID string) error {
	return nil
}
func (f *fakeConnectionStore) ListConnectionsByHub(ctx context.Context, hubID string) ([]model.Connection, error) {
	return nil, nil
}

type fakeTransport struct {
	mu          sync.Mutex
	existing    []string
	createCalls int
	createErr   error
}

func (f *fakeTransport) OnMessage(func(context.Context, transport.InboundMessage))     {}
func (f *fakeTransport) OnMessageEdit(func(context.Context, transport.InboundEdit))    {}
func (f *fakeTransport) OnMessageDelete(func(context.Context, transport.InboundDelete)) {}
func (f *fakeTransport) Start(context.Context) error                                   { return nil }
func (f *fakeTransport) Stop(context.Context) error                                    { return nil }
func (f *fakeTransport) FetchUser(context.Context, string) (transport.User, error) {
	return transport.User{}, nil
}
func (f *fakeTransport) FetchChannel(context.Context, string) (transport.Channel, error) {
	return transport.Channel{}, nil
}
func (f *fakeTransport) FetchGuild(context.Context, string) (transport.Guild, error) {
	return transport.Guild{}, nil
}
func (f *fakeTransport) ListChannelWebhooks(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}
func (f *fakeTransport) CreateWebhook(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "https://example.test/webhook/created", nil
}
func (f *fakeTransport) SendTyping(context.Context, string) error { return nil }
func (f *fakeTransport) SendWebhook(context.Context, string, transport.WebhookPayload) (string, error) {
	return "", nil
}
func (f *fakeTransport) EditWebhookMessage(context.Context, string, string, transport.WebhookPayload) error {
	return nil
}
func (f *fakeTransport) DeleteWebhookMessage(context.Context, string, string) error { return nil }

func TestGetOrCreateWebhook_ReturnsExistingURLWithoutCreating(t *testing.T) {
	conns := newFakeConnectionStore(model.Connection{ChannelID: "c1", WebhookURL: "https://example.test/webhook/c1"})
	tr := &fakeTransport{}
	p := New(tr, conns)

	url, err := p.GetOrCreateWebhook(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetOrCreateWebhook() error = %v", err)
	}
	if url != "https://example.test/webhook/c1" {
		t.Fatalf("url = %q, want the already-recorded webhook", url)
	}
	if tr.createCalls != 0 {
		t.Fatalf("CreateWebhook called %d times, want 0", tr.createCalls)
	}
}

func TestGetOrCreateWebhook_DiscoversExistingTransportWebhook(t *testing.T) {
	conns := newFakeConnectionStore(model.Connection{ChannelID: "c1"})
	tr := &fakeTransport{existing: []string{"https://example.test/webhook/discovered"}}
	p := New(tr, conns)

	url, err := p.GetOrCreateWebhook(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetOrCreateWebhook() error = %v", err)
	}
	if url != "https://example.test/webhook/discovered" {
		t.Fatalf("url = %q, want the discovered webhook", url)
	}
	if tr.createCalls != 0 {
		t.Fatalf("CreateWebhook called %d times, want 0 when a webhook was discovered", tr.createCalls)
	}

	conn, err := conns.FindConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("FindConnection() error = %v", err)
	}
	if conn.WebhookURL != "https://example.test/webhook/discovered" {
		t.Fatalf("persisted WebhookURL = %q, want the discovered webhook", conn.WebhookURL)
	}
}

func TestGetOrCreateWebhook_CreatesWhenNoneExists(t *testing.T) {
	conns := newFakeConnectionStore(model.Connection{ChannelID: "c1"})
	tr := &fakeTransport{}
	p := New(tr, conns)

	url, err := p.GetOrCreateWebhook(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetOrCreateWebhook() error = %v", err)
	}
	if url != "https://example.test/webhook/created" {
		t.Fatalf("url = %q, want the newly created webhook", url)
	}
	if tr.createCalls != 1 {
		t.Fatalf("CreateWebhook called %d times, want 1", tr.createCalls)
	}
}

func TestGetOrCreateWebhook_WrapsCreationFailure(t *testing.T) {
	conns := newFakeConnectionStore(model.Connection{ChannelID: "c1"})
	tr := &fakeTransport{createErr: errors.New("discord rate limited")}
	p := New(tr, conns)

	_, err := p.GetOrCreateWebhook(context.Background(), "c1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want wrapped ErrUnavailable", err)
	}
}

func TestGetOrCreateWebhook_UnknownConnectionErrors(t *testing.T) {
	conns := newFakeConnectionStore()
	tr := &fakeTransport{}
	p := New(tr, conns)

	if _, err := p.GetOrCreateWebhook(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want store.ErrNotFound", err)
	}
}

package matchmaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
)

type fakeQueueStore struct {
	mu    sync.Mutex
	items []model.CallRequest
}

func (f *fakeQueueStore) EnqueueCallRequest(ctx context.Context, req model.CallRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, req)
	return nil
}

func (f *fakeQueueStore) DequeueCallRequest(ctx context.Context, exclude func(model.CallRequest) bool) (model.CallRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, req := range f.items {
		if exclude(req) {
			continue
		}
		f.items = append(f.items[:i], f.items[i+1:]...)
		return req, true, nil
	}
	return model.CallRequest{}, false, nil
}

func (f *fakeQueueStore) RemoveCallRequest(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, req := range f.items {
		if req.ChannelID == channelID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeQueueStore) SweepStaleCallRequests(ctx context.Context, maxWait time.Duration) ([]model.CallRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []model.CallRequest
	var kept []model.CallRequest
	cutoff := time.Now().Add(-maxWait)
	for _, req := range f.items {
		if req.EnqueuedAt.Before(cutoff) {
			stale = append(stale, req)
		} else {
			kept = append(kept, req)
		}
	}
	f.items = kept
	return stale, nil
}

type fakeCallStore struct {
	mu    sync.Mutex
	calls map[string]model.ActiveCall
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{calls: make(map[string]model.ActiveCall)}
}

func (f *fakeCallStore) CreateActiveCall(ctx context.Context, call model.ActiveCall) (model.ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call.CallID] = call
	return call, nil
}

func (f *fakeCallStore) FindActiveCall(ctx context.Context, callID string) (model.ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.ActiveCall{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCallStore) FindActiveCallByChannel(ctx context.Context, channelID string) (model.ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		for _, p := range c.Participants {
			if p.ChannelID == channelID {
				return c, nil
			}
		}
	}
	return model.ActiveCall{}, store.ErrNotFound
}

func (f *fakeCallStore) EndActiveCall(ctx context.Context, callID string, endedAt time.Time) (model.ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.ActiveCall{}, store.ErrNotFound
	}
	c.Status = model.CallStatusEnded
	c.EndedAt = &endedAt
	f.calls[callID] = c
	return c, nil
}

type fakeBanStore struct{}

func (fakeBanStore) FindActiveBan(ctx context.Context, userID string) (model.Ban, error) {
	return model.Ban{}, store.ErrNotFound
}
func (fakeBanStore) FindActiveServerBan(ctx context.Context, serverID string) (model.ServerBan, error) {
	return model.ServerBan{}, store.ErrNotFound
}
func (fakeBanStore) CreateBan(ctx context.Context, ban model.Ban) (model.Ban, error) { return ban, nil }
func (fakeBanStore) RevokeBan(ctx context.Context, banID, moderatorUserID string) (model.Ban, error) {
	return model.Ban{}, nil
}
func (fakeBanStore) CreateServerBan(ctx context.Context, ban model.ServerBan) (model.ServerBan, error) {
	return ban, nil
}
func (fakeBanStore) RevokeServerBan(ctx context.Context, banID, moderatorUserID string) (model.ServerBan, error) {
	return model.ServerBan{}, nil
}
func (fakeBanStore) FindHubBlacklist(ctx context.Context, hubID, subjectID string) (model.HubBlacklistEntry, error) {
	return model.HubBlacklistEntry{}, store.ErrNotFound
}
func (fakeBanStore) SweepExpiredBans(ctx context.Context, now time.Time) (int, error) { return 0, nil }

type fakeConnectionStore struct {
	mu    sync.Mutex
	conns map[string]model.Connection
}

func newFakeConnectionStore() *fakeConnectionStore {
	return &fakeConnectionStore{conns: make(map[string]model.Connection)}
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
func (f *fakeConnectionStore) DeleteConnection(ctx context.Context, channelID string) error { return nil }
func (f *fakeConnectionStore) SetConnectionWebhookURL(ctx context.Context, channelID, webhookURL string) error {
	return nil
}
func (f *fakeConnectionStore) SetConnectionConnected(ctx context.Context, channelID string, connected bool) error {
	return nil
}
func (f *fakeConnectionStore) RecordConnectionFailure(ctx context.Context, channelID string) (model.Connection, error) {
	return model.Connection{}, nil
}
func (f *fakeConnectionStore) ResetConnectionHealth(ctx context.Context, channelID string) error { return nil }
func (f *fakeConnectionStore) DeleteConnectionsWhere(ctx context.Context, hubID string) error     { return nil }
func (f *fakeConnectionStore) ListConnectionsByHub(ctx context.Context, hubID string) ([]model.Connection, error) {
	return nil, nil
}

type fakeHubStore struct {
	mu   sync.Mutex
	hubs map[string]model.Hub
}

func newFakeHubStore() *fakeHubStore {
	return &fakeHubStore{hubs: make(map[string]model.Hub)}
}

func (f *fakeHubStore) CreateHub(ctx context.Context, hub model.Hub) (model.Hub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hubs[hub.ID] = hub
	return hub, nil
}
func (f *fakeHubStore) FindHub(ctx context.Context, hubID string) (model.Hub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hubs[hubID]
	if !ok {
		return model.Hub{}, store.ErrNotFound
	}
	return h, nil
}
func (f *fakeHubStore) FindHubByName(ctx context.Context, name string) (model.Hub, error) {
	return model.Hub{}, store.ErrNotFound
}
func (f *fakeHubStore) DeleteHub(ctx context.Context, hubID string) error { return nil }
func (f *fakeHubStore) CountHubsOwnedBy(ctx context.Context, ownerUserID string) (int, error) {
	return 0, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) OnMessage(func(context.Context, transport.InboundMessage))      {}
func (f *fakeTransport) OnMessageEdit(func(context.Context, transport.InboundEdit))      {}
func (f *fakeTransport) OnMessageDelete(func(context.Context, transport.InboundDelete))  {}
func (f *fakeTransport) Start(context.Context) error                                    { return nil }
func (f *fakeTransport) Stop(context.Context) error                                     { return nil }
func (f *fakeTransport) FetchUser(context.Context, string) (transport.User, error)      { return transport.User{}, nil }
func (f *fakeTransport) FetchChannel(context.Context, string) (transport.Channel, error) {
	return transport.Channel{}, nil
}
func (f *fakeTransport) FetchGuild(context.Context, string) (transport.Guild, error) {
	return transport.Guild{}, nil
}
func (f *fakeTransport) CreateWebhook(context.Context, string) (string, error)             { return "", nil }
func (f *fakeTransport) ListChannelWebhooks(context.Context, string) ([]string, error)     { return nil, nil }
func (f *fakeTransport) SendTyping(context.Context, string) error                          { return nil }
func (f *fakeTransport) EditWebhookMessage(context.Context, string, string, transport.WebhookPayload) error {
	return nil
}
func (f *fakeTransport) DeleteWebhookMessage(context.Context, string, string) error { return nil }

func (f *fakeTransport) SendWebhook(_ context.Context, webhookURL string, _ transport.WebhookPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, webhookURL)
	return "msg-1", nil
}

func newTestMatchmaker(t *testing.T) (*Matchmaker, *fakeQueueStore, *fakeCallStore, *fakeTransport) {
	mm, queue, calls, tr, _, _ := newTestMatchmakerWithStores(t)
	return mm, queue, calls, tr
}

func newTestMatchmakerWithStores(t *testing.T) (*Matchmaker, *fakeQueueStore, *fakeCallStore, *fakeTransport, *fakeConnectionStore, *fakeHubStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, 5*time.Minute)
	queue := &fakeQueueStore{}
	calls := newFakeCallStore()
	tr := &fakeTransport{}
	conns := newFakeConnectionStore()
	hubs := newFakeHubStore()
	mm := New(queue, calls, fakeBanStore{}, conns, hubs, c, tr, time.Hour, time.Minute)
	return mm, queue, calls, tr, conns, hubs
}

func TestInitiateCall_FirstCallerIsQueued(t *testing.T) {
	mm, queue, _, _ := newTestMatchmaker(t)
	outcome, callID, err := mm.InitiateCall(context.Background(), "c1", "u1", "s1", "wh1")
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if outcome != Queued || callID != "" {
		t.Fatalf("InitiateCall() = (%v, %q), want (Queued, \"\")", outcome, callID)
	}
	if len(queue.items) != 1 {
		t.Fatalf("queue has %d items, want 1", len(queue.items))
	}
}

func TestInitiateCall_SecondCallerPairs(t *testing.T) {
	mm, _, calls, tr := newTestMatchmaker(t)
	ctx := context.Background()
	if _, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1"); err != nil {
		t.Fatalf("first InitiateCall() error = %v", err)
	}
	outcome, callID, err := mm.InitiateCall(ctx, "c2", "u2", "s2", "wh2")
	if err != nil {
		t.Fatalf("second InitiateCall() error = %v", err)
	}
	if outcome != Connected || callID == "" {
		t.Fatalf("InitiateCall() = (%v, %q), want (Connected, non-empty)", outcome, callID)
	}
	if _, ok := calls.calls[callID]; !ok {
		t.Fatalf("call %q not persisted", callID)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 2 {
		t.Fatalf("notices sent = %d, want 2", len(tr.sent))
	}
}

func TestInitiateCall_SameServerDoesNotPair(t *testing.T) {
	mm, queue, _, _ := newTestMatchmaker(t)
	ctx := context.Background()
	if _, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1"); err != nil {
		t.Fatalf("first InitiateCall() error = %v", err)
	}
	outcome, _, err := mm.InitiateCall(ctx, "c2", "u2", "s1", "wh2")
	if err != nil {
		t.Fatalf("second InitiateCall() error = %v", err)
	}
	if outcome != Queued {
		t.Fatalf("InitiateCall() = %v, want Queued (same-server pairing excluded)", outcome)
	}
	if len(queue.items) != 2 {
		t.Fatalf("queue has %d items, want 2", len(queue.items))
	}
}

func TestInitiateCall_AlreadyInCall(t *testing.T) {
	mm, _, _, _ := newTestMatchmaker(t)
	ctx := context.Background()
	if _, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1"); err != nil {
		t.Fatalf("first InitiateCall() error = %v", err)
	}
	if _, _, err := mm.InitiateCall(ctx, "c2", "u2", "s2", "wh2"); err != nil {
		t.Fatalf("second InitiateCall() error = %v", err)
	}
	outcome, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1")
	if err != nil {
		t.Fatalf("third InitiateCall() error = %v", err)
	}
	if outcome != AlreadyInCall {
		t.Fatalf("InitiateCall() = %v, want AlreadyInCall", outcome)
	}
}

func TestHangup_NotifiesPeerAndRecordsRecentMatch(t *testing.T) {
	mm, _, calls, tr := newTestMatchmaker(t)
	ctx := context.Background()
	if _, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1"); err != nil {
		t.Fatalf("first InitiateCall() error = %v", err)
	}
	_, callID, err := mm.InitiateCall(ctx, "c2", "u2", "s2", "wh2")
	if err != nil {
		t.Fatalf("second InitiateCall() error = %v", err)
	}

	if err := mm.Hangup(ctx, "c1", "u1"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	call := calls.calls[callID]
	if call.Status != model.CallStatusEnded {
		t.Fatalf("call.Status = %v, want ENDED", call.Status)
	}

	recent, err := mm.cache.IsRecentMatch(ctx, pairKey("c1", "c2"))
	if err != nil {
		t.Fatalf("IsRecentMatch() error = %v", err)
	}
	if !recent {
		t.Fatalf("IsRecentMatch() = false, want true after hangup")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 3 { // 2 connect notices + 1 hangup notice to peer
		t.Fatalf("notices sent = %d, want 3", len(tr.sent))
	}
}

func TestInitiateCall_RecentMatchExcludedFromPairing(t *testing.T) {
	mm, queue, _, _ := newTestMatchmaker(t)
	ctx := context.Background()
	if err := mm.cache.SetRecentMatch(ctx, pairKey("c1", "c2"), time.Hour); err != nil {
		t.Fatalf("SetRecentMatch() error = %v", err)
	}
	if _, _, err := mm.InitiateCall(ctx, "c2", "u2", "s2", "wh2"); err != nil {
		t.Fatalf("first InitiateCall() error = %v", err)
	}
	outcome, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1")
	if err != nil {
		t.Fatalf("second InitiateCall() error = %v", err)
	}
	if outcome != Queued {
		t.Fatalf("InitiateCall() = %v, want Queued (recent match excluded)", outcome)
	}
	if len(queue.items) != 2 {
		t.Fatalf("queue has %d items, want 2", len(queue.items))
	}
}

func TestInitiateCall_DeniedForHubConnectedChannelWithIncompatiblePolicy(t *testing.T) {
	mm, queue, _, _, conns, hubs := newTestMatchmakerWithStores(t)
	ctx := context.Background()

	if _, err := hubs.CreateHub(ctx, model.Hub{ID: "h1", Name: "nsfw-hub", Settings: model.HubSettings{NSFWAllowed: true}}); err != nil {
		t.Fatalf("CreateHub() error = %v", err)
	}
	if _, err := conns.UpsertConnection(ctx, model.Connection{ChannelID: "c1", HubID: "h1"}); err != nil {
		t.Fatalf("UpsertConnection() error = %v", err)
	}

	outcome, callID, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1")
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if outcome != Denied || callID != "" {
		t.Fatalf("InitiateCall() = (%v, %q), want (Denied, \"\")", outcome, callID)
	}
	if len(queue.items) != 0 {
		t.Fatalf("queue has %d items, want 0 (denied channel must not be queued)", len(queue.items))
	}
}

func TestInitiateCall_AllowsHubConnectedChannelWithCompatiblePolicy(t *testing.T) {
	mm, queue, _, _, conns, hubs := newTestMatchmakerWithStores(t)
	ctx := context.Background()

	if _, err := hubs.CreateHub(ctx, model.Hub{ID: "h1", Name: "sfw-hub"}); err != nil {
		t.Fatalf("CreateHub() error = %v", err)
	}
	if _, err := conns.UpsertConnection(ctx, model.Connection{ChannelID: "c1", HubID: "h1"}); err != nil {
		t.Fatalf("UpsertConnection() error = %v", err)
	}

	outcome, _, err := mm.InitiateCall(ctx, "c1", "u1", "s1", "wh1")
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if outcome != Queued {
		t.Fatalf("InitiateCall() = %v, want Queued", outcome)
	}
	if len(queue.items) != 1 {
		t.Fatalf("queue has %d items, want 1", len(queue.items))
	}
}

func TestSweepStale_PrunesOldEntriesAndNotifies(t *testing.T) {
	mm, queue, _, tr := newTestMatchmaker(t)
	ctx := context.Background()
	queue.items = []model.CallRequest{
		{ChannelID: "c1", WebhookURL: "wh1", EnqueuedAt: time.Now().Add(-time.Hour)},
		{ChannelID: "c2", WebhookURL: "wh2", EnqueuedAt: time.Now()},
	}
	n, err := mm.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("SweepStale() = %d, want 1", n)
	}
	if len(queue.items) != 1 || queue.items[0].ChannelID != "c2" {
		t.Fatalf("queue after sweep = %+v, want only c2", queue.items)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 {
		t.Fatalf("notices sent = %d, want 1", len(tr.sent))
	}
}

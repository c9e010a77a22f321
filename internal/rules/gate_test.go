package rules

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

type fakeRulesStore struct {
	accepted map[string]model.HubRulesAcceptance
}

func newFakeRulesStore() *fakeRulesStore {
	return &fakeRulesStore{accepted: make(map[string]model.HubRulesAcceptance)}
}

func (f *fakeRulesStore) FindRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error) {
	a, ok := f.accepted[userID+"|"+hubID]
	if !ok {
		return model.HubRulesAcceptance{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeRulesStore) CreateRulesAcceptance(ctx context.Context, userID, hubID string) (model.HubRulesAcceptance, error) {
	a := model.HubRulesAcceptance{UserID: userID, HubID: hubID, AcceptedAt: time.Now()}
	f.accepted[userID+"|"+hubID] = a
	return a, nil
}

func newTestGate(t *testing.T) (*Gate, *fakeRulesStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, 5*time.Minute)
	s := newFakeRulesStore()
	return New(c, s), s
}

func TestGate_NoRules_Admitted(t *testing.T) {
	g, _ := newTestGate(t)
	hub := model.Hub{ID: "h1"}

	d, err := g.Check(context.Background(), "u1", hub)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d != Admitted {
		t.Errorf("Check() = %v, want Admitted", d)
	}
}

func TestGate_FirstEncounter_ShownThenCooldown(t *testing.T) {
	g, _ := newTestGate(t)
	hub := model.Hub{ID: "h1", Rules: []string{"be nice"}}
	ctx := context.Background()

	d, err := g.Check(ctx, "u1", hub)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d != DeniedShown {
		t.Fatalf("Check() first = %v, want DeniedShown", d)
	}

	d, err = g.Check(ctx, "u1", hub)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d != DeniedCooldown {
		t.Fatalf("Check() second = %v, want DeniedCooldown", d)
	}
}

func TestGate_Accept_AdmitsSubsequentChecks(t *testing.T) {
	g, s := newTestGate(t)
	hub := model.Hub{ID: "h1", Rules: []string{"be nice"}}
	ctx := context.Background()

	if err := g.Accept(ctx, "u1", hub); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if _, ok := s.accepted["u1|h1"]; !ok {
		t.Fatal("Accept() did not persist to store")
	}

	d, err := g.Check(ctx, "u1", hub)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d != Admitted {
		t.Errorf("Check() after accept = %v, want Admitted", d)
	}
}

func TestGate_DurableAcceptance_RepopulatesCache(t *testing.T) {
	g, s := newTestGate(t)
	hub := model.Hub{ID: "h1", Rules: []string{"be nice"}}
	ctx := context.Background()

	// Simulate acceptance recorded durably without going through Accept
	// (e.g. cache was cold after a restart).
	if _, err := s.CreateRulesAcceptance(ctx, "u1", "h1"); err != nil {
		t.Fatalf("CreateRulesAcceptance() error = %v", err)
	}

	d, err := g.Check(ctx, "u1", hub)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d != Admitted {
		t.Errorf("Check() = %v, want Admitted", d)
	}
	cached, err := g.cache.RulesAccepted(ctx, "h1", "u1")
	if err != nil {
		t.Fatalf("RulesAccepted() error = %v", err)
	}
	if !cached {
		t.Errorf("RulesAccepted() = false after durable hit, want true")
	}
}

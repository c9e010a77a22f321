package admission

import (
	"context"
	"testing"
	"time"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

type fakeBanStore struct {
	userBans      map[string]model.Ban
	serverBans    map[string]model.ServerBan
	blacklist     map[string]model.HubBlacklistEntry
}

func newFakeBanStore() *fakeBanStore {
	return &fakeBanStore{
		userBans:   make(map[string]model.Ban),
		serverBans: make(map[string]model.ServerBan),
		blacklist:  make(map[string]model.HubBlacklistEntry),
	}
}

func (f *fakeBanStore) FindActiveBan(ctx context.Context, userID string) (model.Ban, error) {
	if b, ok := f.userBans[userID]; ok {
		return b, nil
	}
	return model.Ban{}, store.ErrNotFound
}

func (f *fakeBanStore) FindActiveServerBan(ctx context.Context, serverID string) (model.ServerBan, error) {
	if b, ok := f.serverBans[serverID]; ok {
		return b, nil
	}
	return model.ServerBan{}, store.ErrNotFound
}

func (f *fakeBanStore) CreateBan(ctx context.Context, ban model.Ban) (model.Ban, error) {
	f.userBans[ban.SubjectUserID] = ban
	return ban, nil
}

func (f *fakeBanStore) RevokeBan(ctx context.Context, banID, moderatorUserID string) (model.Ban, error) {
	return model.Ban{}, nil
}

func (f *fakeBanStore) CreateServerBan(ctx context.Context, ban model.ServerBan) (model.ServerBan, error) {
	f.serverBans[ban.SubjectServerID] = ban
	return ban, nil
}

func (f *fakeBanStore) RevokeServerBan(ctx context.Context, banID, moderatorUserID string) (model.ServerBan, error) {
	return model.ServerBan{}, nil
}

func (f *fakeBanStore) FindHubBlacklist(ctx context.Context, hubID, subjectID string) (model.HubBlacklistEntry, error) {
	if e, ok := f.blacklist[hubID+"|"+subjectID]; ok {
		return e, nil
	}
	return model.HubBlacklistEntry{}, store.ErrNotFound
}

func (f *fakeBanStore) SweepExpiredBans(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func baseInput() Input {
	return Input{
		UserID:    "u1",
		ServerID:  "s1",
		ChannelID: "c1",
		Hub:       model.Hub{ID: "h1"},
		Text:      "hello there",
	}
}

func TestPipeline_Admits_CleanMessage(t *testing.T) {
	p := New(newFakeBanStore(), nil, nil, PermissiveContentFilter{})
	res, err := p.Check(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Admitted {
		t.Fatalf("Check() = %+v, want admitted", res)
	}
}

func TestPipeline_BlocksUserBan(t *testing.T) {
	bans := newFakeBanStore()
	bans.userBans["u1"] = model.Ban{SubjectUserID: "u1", Reason: "spam bot"}
	p := New(bans, nil, nil, PermissiveContentFilter{})

	res, err := p.Check(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Admitted || res.Category != CategoryUserBanned {
		t.Fatalf("Check() = %+v, want blocked with CategoryUserBanned", res)
	}
}

func TestPipeline_BlocksServerBan(t *testing.T) {
	bans := newFakeBanStore()
	bans.serverBans["s1"] = model.ServerBan{SubjectServerID: "s1", Reason: "raided"}
	p := New(bans, nil, nil, PermissiveContentFilter{})

	res, err := p.Check(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Admitted || res.Category != CategoryServerBanned {
		t.Fatalf("Check() = %+v, want blocked with CategoryServerBanned", res)
	}
}

func TestPipeline_BlocksHubBlacklist(t *testing.T) {
	bans := newFakeBanStore()
	bans.blacklist["h1|u1"] = model.HubBlacklistEntry{HubID: "h1", SubjectID: "u1", Reason: "troll"}
	p := New(bans, nil, nil, PermissiveContentFilter{})

	res, err := p.Check(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Admitted || res.Category != CategoryBlacklisted {
		t.Fatalf("Check() = %+v, want blocked with CategoryBlacklisted", res)
	}
}

func TestPipeline_BlocksSpam(t *testing.T) {
	spam := NewSpamLimiter(0.001, 1)
	p := New(newFakeBanStore(), spam, nil, PermissiveContentFilter{})

	in := baseInput()
	first, err := p.Check(context.Background(), in)
	if err != nil || !first.Admitted {
		t.Fatalf("first Check() = %+v, err = %v, want admitted", first, err)
	}
	second, err := p.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if second.Admitted || second.Category != CategorySpam {
		t.Fatalf("second Check() = %+v, want blocked with CategorySpam", second)
	}
}

func TestPipeline_NSFW_HubPermitsButChannelIsNot(t *testing.T) {
	p := New(newFakeBanStore(), nil, nil, PermissiveContentFilter{})
	in := baseInput()
	in.Hub.Settings.NSFWAllowed = true
	in.ChannelIsNSFW = false

	res, err := p.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Admitted || res.Category != CategoryNSFW {
		t.Fatalf("Check() = %+v, want blocked with CategoryNSFW", res)
	}
}

func TestPipeline_NSFW_HubPermitsAndChannelIs(t *testing.T) {
	p := New(newFakeBanStore(), nil, nil, PermissiveContentFilter{})
	in := baseInput()
	in.Hub.Settings.NSFWAllowed = true
	in.ChannelIsNSFW = true

	res, err := p.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Admitted {
		t.Fatalf("Check() = %+v, want admitted", res)
	}
}

func TestPipeline_AntiSwear_Block(t *testing.T) {
	aw := NewAntiSwear(ActionBlock)
	p := New(newFakeBanStore(), nil, aw, PermissiveContentFilter{})

	in := baseInput()
	in.Hub.Settings.AntiSwearWords = []string{"badword"}
	in.Text = "you are a badword for sure"

	res, err := p.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Admitted || res.Category != CategoryAntiSwear {
		t.Fatalf("Check() = %+v, want blocked with CategoryAntiSwear", res)
	}
}

func TestPipeline_AntiSwear_Replace(t *testing.T) {
	aw := NewAntiSwear(ActionReplace)
	p := New(newFakeBanStore(), nil, aw, PermissiveContentFilter{})

	in := baseInput()
	in.Hub.Settings.AntiSwearWords = []string{"badword"}
	in.Text = "you are a badword for sure"

	res, err := p.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Admitted {
		t.Fatalf("Check() = %+v, want admitted with rewritten text", res)
	}
	if res.RewrittenText == in.Text {
		t.Fatalf("RewrittenText = %q, want censored", res.RewrittenText)
	}
}

func TestPipeline_ContentFilter_Blocks(t *testing.T) {
	p := New(newFakeBanStore(), nil, nil, blockingFilter{})
	res, err := p.Check(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Admitted || res.Category != CategoryContentFilter {
		t.Fatalf("Check() = %+v, want blocked with CategoryContentFilter", res)
	}
}

type blockingFilter struct{}

func (blockingFilter) Classify(ctx context.Context, text, attachmentURL string) (bool, string, error) {
	return true, "disallowed", nil
}

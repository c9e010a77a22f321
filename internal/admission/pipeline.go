// Package admission implements the Admission Pipeline of spec §4.5: an
// ordered, short-circuiting chain of checks that decides whether a message
// may be broadcast.
package admission

import (
	"context"
	"fmt"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

// Category identifies which check produced a block, for observability and
// for the Message Processor's optional author notice.
type Category string

const (
	CategoryUserBanned   Category = "user_banned"
	CategoryServerBanned Category = "server_banned"
	CategoryBlacklisted  Category = "blacklisted"
	CategorySpam         Category = "spam"
	CategoryNSFW         Category = "nsfw"
	CategoryAntiSwear    Category = "antiswear"
	CategoryContentFilter Category = "content_filter"
)

// Action is the antiswear stage's remediation, distinguishing a silent block
// from one that replaces offending terms in place.
type Action string

const (
	ActionBlock        Action = "block"
	ActionBlockAndWarn Action = "block_and_warn"
	ActionReplace      Action = "replace"
)

// Input bundles everything the pipeline's checks need; it is built by the
// Message Processor from the inbound event plus the resolved Hub/Connection.
type Input struct {
	UserID        string
	ServerID      string
	ChannelID     string
	Hub           model.Hub
	Text          string
	AttachmentURL string
	ChannelIsNSFW bool
}

// Result is the pipeline's admit/deny verdict.
type Result struct {
	Admitted bool
	Category Category
	Reason   string
	Action   Action
	// RewrittenText holds the antiswear stage's replacement text when
	// Action == ActionReplace; the message proceeds with this text instead
	// of being blocked.
	RewrittenText string
}

func admit() Result { return Result{Admitted: true} }

func block(cat Category, reason string) Result {
	return Result{Admitted: false, Category: cat, Reason: reason, Action: ActionBlock}
}

// Pipeline runs the ordered chain of §4.5.
type Pipeline struct {
	bans        store.BanStore
	blacklist   store.BanStore
	spam        *SpamLimiter
	antiswear   *AntiSwear
	contentFilter ContentFilter
}

// ContentFilter classifies text/attachments against a global content
// policy; spec §4.5 leaves its implementation open (Open Question), so it
// is injected as an interface with a permissive default (see contentfilter.go).
type ContentFilter interface {
	Classify(ctx context.Context, text, attachmentURL string) (blocked bool, category string, err error)
}

// New constructs a Pipeline. The one store.BanStore backs both the ban
// checks and the hub-blacklist check; the Pipeline keeps it in two fields
// only because the spec enumerates them as distinct checks.
func New(bans store.BanStore, spam *SpamLimiter, antiswear *AntiSwear, filter ContentFilter) *Pipeline {
	return &Pipeline{bans: bans, blacklist: bans, spam: spam, antiswear: antiswear, contentFilter: filter}
}

// Check runs the ordered chain, short-circuiting on first block.
func (p *Pipeline) Check(ctx context.Context, in Input) (Result, error) {
	if res, err := p.checkUserBanned(ctx, in.UserID); err != nil || !res.Admitted {
		return res, err
	}
	if res, err := p.checkServerBanned(ctx, in.ServerID); err != nil || !res.Admitted {
		return res, err
	}
	if res, err := p.checkBlacklist(ctx, in.UserID, in.ServerID, in.Hub.ID); err != nil || !res.Admitted {
		return res, err
	}
	if res := p.checkSpam(in.UserID, in.ChannelID); !res.Admitted {
		return res, nil
	}
	if res := p.checkNSFW(in); !res.Admitted {
		return res, nil
	}
	if res := p.checkAntiSwear(in.Hub, in.Text); !res.Admitted {
		return res, nil
	}
	if p.contentFilter != nil {
		blocked, category, err := p.contentFilter.Classify(ctx, in.Text, in.AttachmentURL)
		if err != nil {
			return Result{}, fmt.Errorf("content filter: %w", err)
		}
		if blocked {
			return block(CategoryContentFilter, category), nil
		}
	}
	return admit(), nil
}

func (p *Pipeline) checkUserBanned(ctx context.Context, userID string) (Result, error) {
	if userID == "" {
		return admit(), nil
	}
	ban, err := p.bans.FindActiveBan(ctx, userID)
	if err == store.ErrNotFound {
		return admit(), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("check user ban: %w", err)
	}
	return block(CategoryUserBanned, "user: "+ban.Reason), nil
}

func (p *Pipeline) checkServerBanned(ctx context.Context, serverID string) (Result, error) {
	if serverID == "" {
		return admit(), nil
	}
	ban, err := p.bans.FindActiveServerBan(ctx, serverID)
	if err == store.ErrNotFound {
		return admit(), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("check server ban: %w", err)
	}
	return block(CategoryServerBanned, "server: "+ban.Reason), nil
}

func (p *Pipeline) checkBlacklist(ctx context.Context, userID, serverID, hubID string) (Result, error) {
	if hubID == "" {
		return admit(), nil
	}
	for _, subject := range []string{userID, serverID} {
		if subject == "" {
			continue
		}
		entry, err := p.blacklist.FindHubBlacklist(ctx, hubID, subject)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("check hub blacklist: %w", err)
		}
		return block(CategoryBlacklisted, "hub: "+entry.Reason), nil
	}
	return admit(), nil
}

func (p *Pipeline) checkSpam(userID, channelID string) Result {
	if p.spam == nil {
		return admit()
	}
	if p.spam.Allow(userID + "|" + channelID) {
		return admit()
	}
	return block(CategorySpam, "message rate exceeds hub limit")
}

func (p *Pipeline) checkNSFW(in Input) Result {
	if in.Hub.Settings.NSFWAllowed && !in.ChannelIsNSFW {
		return block(CategoryNSFW, "hub permits NSFW content but this channel is not marked NSFW")
	}
	return admit()
}

func (p *Pipeline) checkAntiSwear(hub model.Hub, text string) Result {
	if p.antiswear == nil {
		return admit()
	}
	action, rewritten, matched := p.antiswear.Scan(hub, text)
	switch action {
	case ActionReplace:
		return Result{Admitted: true, RewrittenText: rewritten}
	case ActionBlockAndWarn:
		res := block(CategoryAntiSwear, "message matches a blocked term: "+matched)
		res.Action = ActionBlockAndWarn
		return res
	case ActionBlock:
		return block(CategoryAntiSwear, "message matches a blocked term: "+matched)
	default:
		return admit()
	}
}

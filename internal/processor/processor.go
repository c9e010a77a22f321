// Package processor implements the Message Processor of spec §4.7: the
// top-level entry point that classifies every inbound chat event and
// orchestrates the Cache Layer, Rules Gate, Admission Pipeline, and
// Broadcast Service (or Call Session) on the hot path.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/interchat/core/internal/admission"
	"github.com/interchat/core/internal/broadcast"
	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/rules"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
	"github.com/interchat/core/internal/webhook"
)

// Outcome is the Message Processor's top-level classification (spec §4.7).
type Outcome int

const (
	// Unhandled means the event did not correspond to a Hub Connection or
	// Call Session, was empty, or was blocked upstream. Bot-authored
	// messages never reach the processor; the Discord transport drops them.
	Unhandled Outcome = iota
	// HandledHub means the message was admitted and broadcast within a Hub.
	HandledHub
	// HandledCall means the message was routed to an active Call Session.
	HandledCall
)

// Result is returned by OnMessage.
type Result struct {
	Outcome Outcome
	Hub     model.Hub
	Block   admission.Result
}

// CallRouter dispatches a message to an active Call Session (spec §4.9);
// implemented by internal/callsession, injected here to avoid a dependency
// cycle between processor and callsession.
type CallRouter interface {
	HasActiveCall(ctx context.Context, channelID string) (bool, error)
	RouteMessage(ctx context.Context, in transport.InboundMessage) error
}

// StatsSink receives fire-and-forget post-broadcast notifications (spec
// §4.7a step vii); failures here never affect OnMessage's return value.
type StatsSink interface {
	RecordBroadcast(ctx context.Context, hubID, authorID string)
}

// Processor is the Message Processor.
type Processor struct {
	cache       *cache.Cache
	connections store.ConnectionStore
	hubs        store.HubStore
	users       store.UserStore
	gate        *rules.Gate
	admission   *admission.Pipeline
	notices     *admission.NoticeLimiter
	broadcaster *broadcast.Service
	provisioner *webhook.Provisioner
	calls       CallRouter
	stats       StatsSink
}

// New constructs a Processor. calls and stats may be nil (call routing and
// stats sinks are both optional integrations).
func New(
	c *cache.Cache,
	connections store.ConnectionStore,
	hubs store.HubStore,
	users store.UserStore,
	gate *rules.Gate,
	pipeline *admission.Pipeline,
	notices *admission.NoticeLimiter,
	broadcaster *broadcast.Service,
	provisioner *webhook.Provisioner,
	calls CallRouter,
	stats StatsSink,
) *Processor {
	return &Processor{
		cache:       c,
		connections: connections,
		hubs:        hubs,
		users:       users,
		gate:        gate,
		admission:   pipeline,
		notices:     notices,
		broadcaster: broadcaster,
		provisioner: provisioner,
		calls:       calls,
		stats:       stats,
	}
}

// OnMessage runs the full §4.7 algorithm.
func (p *Processor) OnMessage(ctx context.Context, in transport.InboundMessage) (Result, error) {
	if in.Content == "" && in.AttachmentURL == "" {
		return Result{Outcome: Unhandled}, nil
	}

	res, err := resolveChannel(ctx, p.cache, p.connections, p.hubs, in.ChannelID)
	switch {
	case err == nil:
		return p.handleHub(ctx, in, res)
	case errors.Is(err, store.ErrNotFound):
		if p.calls != nil {
			if active, callErr := p.calls.HasActiveCall(ctx, in.ChannelID); callErr == nil && active {
				if routeErr := p.calls.RouteMessage(ctx, in); routeErr != nil {
					return Result{}, fmt.Errorf("route call message: %w", routeErr)
				}
				return Result{Outcome: HandledCall}, nil
			}
		}
		return Result{Outcome: Unhandled}, nil
	default:
		return Result{}, fmt.Errorf("resolve channel: %w", err)
	}
}

func (p *Processor) handleHub(ctx context.Context, in transport.InboundMessage, res resolved) (Result, error) {
	if res.Connection.NeedsWebhook() {
		url, err := p.provisioner.GetOrCreateWebhook(ctx, in.ChannelID)
		if err != nil {
			return Result{}, fmt.Errorf("provision webhook: %w", err)
		}
		res.Connection.WebhookURL = url
	}

	if _, err := p.users.UpsertUser(ctx, in.AuthorID, in.AuthorName, in.AuthorAvatar, ""); err != nil {
		return Result{}, fmt.Errorf("upsert user: %w", err)
	}

	decision, err := p.gate.Check(ctx, in.AuthorID, res.Hub)
	if err != nil {
		return Result{}, fmt.Errorf("rules gate: %w", err)
	}
	if decision != rules.Admitted {
		return Result{Outcome: Unhandled}, nil
	}

	admissionIn := admission.Input{
		UserID:        in.AuthorID,
		ServerID:      in.ServerID,
		ChannelID:     in.ChannelID,
		Hub:           res.Hub,
		Text:          in.Content,
		AttachmentURL: in.AttachmentURL,
		ChannelIsNSFW: in.ChannelIsNSFW,
	}
	verdict, err := p.admission.Check(ctx, admissionIn)
	if err != nil {
		return Result{}, fmt.Errorf("admission pipeline: %w", err)
	}
	if !verdict.Admitted {
		p.notifyBlockedAuthor(ctx, in, verdict)
		return Result{Outcome: Unhandled, Hub: res.Hub, Block: verdict}, nil
	}

	text := in.Content
	if verdict.RewrittenText != "" {
		text = verdict.RewrittenText
	}

	msg := broadcast.SourceMessage{
		MessageID:     in.MessageID,
		AuthorID:      in.AuthorID,
		AuthorName:    in.AuthorName,
		AuthorAvatar:  in.AuthorAvatar,
		Text:          text,
		AttachmentURL: in.AttachmentURL,
	}
	if _, err := p.broadcaster.Broadcast(ctx, msg, res.Hub, in.ChannelID, res.Siblings); err != nil {
		return Result{}, fmt.Errorf("broadcast: %w", err)
	}

	if p.stats != nil {
		p.stats.RecordBroadcast(ctx, res.Hub.ID, in.AuthorID)
	}

	return Result{Outcome: HandledHub, Hub: res.Hub}, nil
}

func (p *Processor) notifyBlockedAuthor(ctx context.Context, in transport.InboundMessage, verdict admission.Result) {
	if p.notices == nil || verdict.Action != admission.ActionBlockAndWarn {
		return
	}
	key := in.AuthorID + "|" + string(verdict.Category)
	if !p.notices.ShouldNotify(key) {
		return
	}
	slog.Info("message blocked", "user_id", in.AuthorID, "channel_id", in.ChannelID,
		"category", verdict.Category, "reason", verdict.Reason)
}

// OnMessageEdit re-runs admission on the edited text and, if still admitted,
// fans the edit out to every sibling (spec §4.6).
func (p *Processor) OnMessageEdit(ctx context.Context, sourceMessageID, channelID, newText string) error {
	res, err := resolveChannel(ctx, p.cache, p.connections, p.hubs, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve channel for edit: %w", err)
	}

	verdict, err := p.admission.Check(ctx, admission.Input{ChannelID: channelID, Hub: res.Hub, Text: newText})
	if err != nil {
		return fmt.Errorf("admission pipeline on edit: %w", err)
	}
	if !verdict.Admitted {
		return nil
	}
	text := newText
	if verdict.RewrittenText != "" {
		text = verdict.RewrittenText
	}
	return p.broadcaster.OnSourceEdit(ctx, sourceMessageID, text)
}

// OnMessageDelete fans a delete out to every sibling (spec §4.6).
func (p *Processor) OnMessageDelete(ctx context.Context, sourceMessageID string) error {
	return p.broadcaster.OnSourceDelete(ctx, sourceMessageID)
}

// Package broadcast implements the Broadcast Service of spec §4.6: parallel
// webhook fan-out to every sibling Connection in a Hub, with message-identity
// mapping for reply/edit/delete correlation.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/transport"
	"github.com/interchat/core/internal/webhook"
)

// fanoutTimeout bounds a single sibling's outbound call (spec §5).
const fanoutTimeout = 5 * time.Second

// SourceMessage is the snapshot the Message Processor hands to Broadcast,
// captured at ingress per spec §9's snapshot invariant.
type SourceMessage struct {
	MessageID     string
	AuthorID      string
	AuthorName    string
	AuthorAvatar  string
	Text          string
	AttachmentURL string
}

// SiblingResult records one sibling's fan-out outcome.
type SiblingResult struct {
	ChannelID string
	MessageID string
	Err       error
}

// Service is the Broadcast Service.
type Service struct {
	transport   transport.Transport
	provisioner *webhook.Provisioner
	connections store.ConnectionStore
	identity    *identityMap
	attachments *AttachmentResolver
	health      *connectionHealth
	pool        *pond.WorkerPool

	retentionTTL time.Duration

	srcMu sync.Map // sourceChannelID -> *sync.Mutex, enforces per-source FIFO
}

// New constructs a Broadcast Service. maxConcurrency bounds in-flight
// outbound webhook tasks pool-wide (spec §5's backpressure requirement).
func New(
	t transport.Transport,
	connections store.ConnectionStore,
	broadcasts store.BroadcastStore,
	c *cache.Cache,
	provisioner *webhook.Provisioner,
	attachments *AttachmentResolver,
	retentionTTL time.Duration,
	maxConcurrency int,
) *Service {
	if maxConcurrency <= 0 {
		maxConcurrency = 50
	}
	return &Service{
		transport:    t,
		provisioner:  provisioner,
		connections:  connections,
		identity:     newIdentityMap(c, broadcasts, retentionTTL),
		attachments:  attachments,
		health:       newConnectionHealth(connections),
		pool:         pond.New(maxConcurrency, maxConcurrency*4),
		retentionTTL: retentionTTL,
	}
}

func (s *Service) sourceLock(sourceChannelID string) *sync.Mutex {
	l, _ := s.srcMu.LoadOrStore(sourceChannelID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Broadcast fans msg out to every sibling, in parallel, and persists the
// resulting BroadcastRecord. It serializes per source channel to satisfy
// spec §5's per-source FIFO guarantee.
func (s *Service) Broadcast(ctx context.Context, msg SourceMessage, hub model.Hub, sourceChannelID string, siblings []model.Connection) (model.BroadcastRecord, error) {
	lock := s.sourceLock(sourceChannelID)
	lock.Lock()
	defer lock.Unlock()

	resolvedAttachment := msg.AttachmentURL
	if s.attachments != nil && resolvedAttachment != "" {
		resolved, err := s.attachments.Resolve(resolvedAttachment)
		if err != nil {
			slog.Warn("attachment resolution failed, using source url", "error", err)
		} else {
			resolvedAttachment = resolved
		}
	}

	results := make([]SiblingResult, len(siblings))
	var wg sync.WaitGroup
	for i, sibling := range siblings {
		i, sibling := i, sibling
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			results[i] = s.deliverToSibling(ctx, msg, hub, sibling, resolvedAttachment)
		})
	}
	wg.Wait()

	rec := model.BroadcastRecord{
		SourceMessageID: msg.MessageID,
		SourceChannelID: sourceChannelID,
		HubID:           hub.ID,
		AuthorUserID:    msg.AuthorID,
		CreatedAt:       time.Now(),
		Broadcasts:      make(map[string]string),
	}
	for _, r := range results {
		if r.Err == nil && r.MessageID != "" {
			rec.Broadcasts[r.ChannelID] = r.MessageID
		}
	}

	if err := s.identity.record(ctx, rec); err != nil {
		return rec, fmt.Errorf("record broadcast: %w", err)
	}
	return rec, nil
}

func (s *Service) deliverToSibling(ctx context.Context, msg SourceMessage, hub model.Hub, sibling model.Connection, attachmentURL string) SiblingResult {
	sendCtx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()

	webhookURL := sibling.WebhookURL
	if webhookURL == "" {
		url, err := s.provisioner.GetOrCreateWebhook(sendCtx, sibling.ChannelID)
		if err != nil {
			slog.Warn("skipping sibling, webhook unavailable", "channel_id", sibling.ChannelID, "error", err)
			return SiblingResult{ChannelID: sibling.ChannelID, Err: err}
		}
		webhookURL = url
	}

	payload := transport.WebhookPayload{
		Text:         msg.Text,
		AuthorName:   msg.AuthorName,
		AuthorAvatar: msg.AuthorAvatar,
		Compact:      sibling.Compact,
		EmbedColor:   sibling.EmbedColor,
	}
	if attachmentURL != "" {
		payload.Attachments = []string{attachmentURL}
	}

	messageID, err := sendWithRetry(sendCtx, func() (string, error) {
		return s.transport.SendWebhook(sendCtx, webhookURL, payload)
	})
	if err == nil {
		if healthErr := s.health.recordSuccess(ctx, sibling.ChannelID); healthErr != nil {
			slog.Warn("failed to record delivery success", "channel_id", sibling.ChannelID, "error", healthErr)
		}
		return SiblingResult{ChannelID: sibling.ChannelID, MessageID: messageID}
	}

	if isPermanentTransportFailure(err) {
		if healthErr := s.health.recordPermanentFailure(ctx, sibling.ChannelID); healthErr != nil {
			slog.Warn("failed to clear dead webhook", "channel_id", sibling.ChannelID, "error", healthErr)
		}
		if reprovisioned, reprovErr := s.provisioner.GetOrCreateWebhook(ctx, sibling.ChannelID); reprovErr != nil || reprovisioned == "" {
			_ = s.health.disconnect(ctx, sibling.ChannelID)
		}
	} else if healthErr := s.health.recordTransientFailure(ctx, sibling.ChannelID); healthErr != nil {
		slog.Warn("failed to record delivery failure", "channel_id", sibling.ChannelID, "error", healthErr)
	}

	return SiblingResult{ChannelID: sibling.ChannelID, Err: err}
}

// OnSourceEdit propagates an edit on the source message to every sibling;
// a missing BroadcastRecord (aged out) is a silent no-op per §4.6.
func (s *Service) OnSourceEdit(ctx context.Context, sourceMessageID, newText string) error {
	rec, err := s.identity.resolve(ctx, sourceMessageID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("resolve broadcast record for edit: %w", err)
	}

	var wg sync.WaitGroup
	for channelID, messageID := range rec.Broadcasts {
		channelID, messageID := channelID, messageID
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			conn, err := s.connections.FindConnection(ctx, channelID)
			if err != nil || conn.WebhookURL == "" {
				return
			}
			if err := s.transport.EditWebhookMessage(ctx, conn.WebhookURL, messageID, transport.WebhookPayload{Text: newText}); err != nil {
				slog.Warn("edit propagation failed", "channel_id", channelID, "error", err)
			}
		})
	}
	wg.Wait()
	return nil
}

// OnSourceDelete propagates a delete on the source message to every
// sibling; a missing BroadcastRecord is a silent no-op per §4.6.
func (s *Service) OnSourceDelete(ctx context.Context, sourceMessageID string) error {
	rec, err := s.identity.resolve(ctx, sourceMessageID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("resolve broadcast record for delete: %w", err)
	}

	var wg sync.WaitGroup
	for channelID, messageID := range rec.Broadcasts {
		channelID, messageID := channelID, messageID
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			conn, err := s.connections.FindConnection(ctx, channelID)
			if err != nil || conn.WebhookURL == "" {
				return
			}
			if err := s.transport.DeleteWebhookMessage(ctx, conn.WebhookURL, messageID); err != nil {
				slog.Warn("delete propagation failed", "channel_id", channelID, "error", err)
			}
		})
	}
	wg.Wait()
	return nil
}

// sendWithRetry performs up to 3 attempts on transient failure, mirroring
// the "bounded retries on transient transport errors" requirement of §4.6.
func sendWithRetry(ctx context.Context, send func() (string, error)) (string, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := send()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if isPermanentTransportFailure(err) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return "", lastErr
}

// isPermanentTransportFailure distinguishes a dead webhook (404/gone, or
// Discord's "Unknown Webhook" code 10015) from a transient one, per §7.
func isPermanentTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "Unknown Webhook") || strings.Contains(msg, "10015")
}

// Package moderation implements the Moderation Workflow of spec §4.10: call
// report filing and the per-subject ban/unban state machine, including the
// staff ban flow that resolves a report from its targets.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

var (
	// ErrAlreadyBanned is returned by CreateBan/CreateServerBan when an
	// ACTIVE ban already exists for the subject (spec §4.10: not an upsert).
	ErrAlreadyBanned = errors.New("moderation: subject already has an active ban")
	// ErrNotRevokable is returned by RevokeBan/RevokeServerBan when the
	// subject has no ACTIVE ban to revoke.
	ErrNotRevokable = errors.New("moderation: no active ban to revoke")
	// ErrCallNotFound is returned by FileReport when no retained
	// ActiveCall exists for the given call id.
	ErrCallNotFound = errors.New("moderation: no retained call for report")
)

// Moderation orchestrates the ban state machine and report lifecycle over
// the Entity Store Adapter.
type Moderation struct {
	bans    store.BanStore
	reports store.ReportStore
	calls   store.CallStore
}

// New constructs a Moderation workflow.
func New(bans store.BanStore, reports store.ReportStore, calls store.CallStore) *Moderation {
	return &Moderation{bans: bans, reports: reports, calls: calls}
}

// CreateBan issues a user ban (spec §4.10 state machine). duration is
// ignored for model.BanTypePermanent.
func (m *Moderation) CreateBan(ctx context.Context, userID, moderatorUserID, reason string, banType model.BanType, duration time.Duration) (model.Ban, error) {
	if existing, err := m.bans.FindActiveBan(ctx, userID); err == nil {
		if existing.EffectiveStatus(time.Now()) == model.BanStatusActive {
			return existing, ErrAlreadyBanned
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Ban{}, fmt.Errorf("check existing ban: %w", err)
	}

	ban := model.Ban{
		SubjectUserID:   userID,
		ModeratorUserID: moderatorUserID,
		Reason:          reason,
		Type:            banType,
		CreatedAt:       time.Now(),
		Status:          model.BanStatusActive,
	}
	if banType == model.BanTypeTemporary {
		expiresAt := time.Now().Add(duration)
		ban.ExpiresAt = &expiresAt
	}
	created, err := m.bans.CreateBan(ctx, ban)
	if err != nil {
		return model.Ban{}, fmt.Errorf("create ban: %w", err)
	}
	return created, nil
}

// RevokeBan lifts a user's ACTIVE ban.
func (m *Moderation) RevokeBan(ctx context.Context, userID, moderatorUserID string) (model.Ban, error) {
	existing, err := m.bans.FindActiveBan(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Ban{}, ErrNotRevokable
	}
	if err != nil {
		return model.Ban{}, fmt.Errorf("find active ban: %w", err)
	}
	if existing.EffectiveStatus(time.Now()) != model.BanStatusActive {
		return model.Ban{}, ErrNotRevokable
	}
	revoked, err := m.bans.RevokeBan(ctx, existing.ID, moderatorUserID)
	if err != nil {
		return model.Ban{}, fmt.Errorf("revoke ban: %w", err)
	}
	return revoked, nil
}

// CreateServerBan issues a server-scoped ban, mirroring CreateBan.
func (m *Moderation) CreateServerBan(ctx context.Context, serverID, moderatorUserID, reason string, banType model.BanType, duration time.Duration) (model.ServerBan, error) {
	if existing, err := m.bans.FindActiveServerBan(ctx, serverID); err == nil {
		if existing.EffectiveStatus(time.Now()) == model.BanStatusActive {
			return existing, ErrAlreadyBanned
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.ServerBan{}, fmt.Errorf("check existing server ban: %w", err)
	}

	ban := model.ServerBan{
		SubjectServerID: serverID,
		ModeratorUserID: moderatorUserID,
		Reason:          reason,
		Type:            banType,
		CreatedAt:       time.Now(),
		Status:          model.BanStatusActive,
	}
	if banType == model.BanTypeTemporary {
		expiresAt := time.Now().Add(duration)
		ban.ExpiresAt = &expiresAt
	}
	created, err := m.bans.CreateServerBan(ctx, ban)
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("create server ban: %w", err)
	}
	return created, nil
}

// RevokeServerBan lifts a server's ACTIVE ban, mirroring RevokeBan.
func (m *Moderation) RevokeServerBan(ctx context.Context, serverID, moderatorUserID string) (model.ServerBan, error) {
	existing, err := m.bans.FindActiveServerBan(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ServerBan{}, ErrNotRevokable
	}
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("find active server ban: %w", err)
	}
	if existing.EffectiveStatus(time.Now()) != model.BanStatusActive {
		return model.ServerBan{}, ErrNotRevokable
	}
	revoked, err := m.bans.RevokeServerBan(ctx, existing.ID, moderatorUserID)
	if err != nil {
		return model.ServerBan{}, fmt.Errorf("revoke server ban: %w", err)
	}
	return revoked, nil
}

// FileReport creates an OPEN CallReport for a retained (ended) call (spec
// §4.10 Report filing).
func (m *Moderation) FileReport(ctx context.Context, callID, reporterUserID, reason string) (model.CallReport, error) {
	if _, err := m.calls.FindActiveCall(ctx, callID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.CallReport{}, ErrCallNotFound
		}
		return model.CallReport{}, fmt.Errorf("find retained call: %w", err)
	}
	report := model.CallReport{
		CallID:         callID,
		ReporterUserID: reporterUserID,
		Reason:         reason,
		ReportedAt:     time.Now(),
		Status:         model.ReportStatusOpen,
	}
	created, err := m.reports.CreateReport(ctx, report)
	if err != nil {
		return model.CallReport{}, fmt.Errorf("create report: %w", err)
	}
	return created, nil
}

// BanTarget names one subject of a staff ban action.
type BanTarget struct {
	ID       string
	IsServer bool
}

// BanOutcome is the per-target result of BanFromCall.
type BanOutcome struct {
	Target BanTarget
	Err    error
}

// BanFromCall implements the staff ban flow of spec §4.10: it issues a ban
// per target, collects per-target success/error without rolling back
// already-banned subjects on partial failure, and resolves the report.
func (m *Moderation) BanFromCall(ctx context.Context, callID, moderatorUserID string, targets []BanTarget, banType model.BanType, duration time.Duration) (model.CallReport, []BanOutcome, error) {
	outcomes := make([]BanOutcome, 0, len(targets))
	var banned []string

	for _, target := range targets {
		var err error
		if target.IsServer {
			_, err = m.CreateServerBan(ctx, target.ID, moderatorUserID, "banned from call report", banType, duration)
		} else {
			_, err = m.CreateBan(ctx, target.ID, moderatorUserID, "banned from call report", banType, duration)
		}
		if err != nil && !errors.Is(err, ErrAlreadyBanned) {
			outcomes = append(outcomes, BanOutcome{Target: target, Err: err})
			continue
		}
		outcomes = append(outcomes, BanOutcome{Target: target})
		banned = append(banned, target.ID)
	}

	report, err := m.reports.ResolveReportBanned(ctx, callID, moderatorUserID, banned, time.Now())
	if err != nil {
		return model.CallReport{}, outcomes, fmt.Errorf("resolve report: %w", err)
	}
	return report, outcomes, nil
}

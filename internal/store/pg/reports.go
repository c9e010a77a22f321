package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/store"
)

func (s *Store) CreateReport(ctx context.Context, report model.CallReport) (model.CallReport, error) {
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}
	if report.Status == "" {
		report.Status = model.ReportStatusOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_reports (call_id, reporter_user_id, reason, reported_at, status)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (call_id) DO NOTHING`,
		report.CallID, report.ReporterUserID, report.Reason, report.ReportedAt, string(report.Status),
	)
	if err != nil {
		return model.CallReport{}, fmt.Errorf("create report: %w", err)
	}
	return report, nil
}

func (s *Store) FindReport(ctx context.Context, callID string) (model.CallReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, reporter_user_id, reason, reported_at, status, resolver_user_id, resolved_at, banned_subjects
		FROM call_reports WHERE call_id = $1`, callID)
	return scanCallReport(row)
}

func scanCallReport(row *sql.Row) (model.CallReport, error) {
	var r model.CallReport
	var status string
	var resolver sql.NullString
	var resolvedAt sql.NullTime
	var banned []byte
	err := row.Scan(&r.CallID, &r.ReporterUserID, &r.Reason, &r.ReportedAt, &status, &resolver, &resolvedAt, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CallReport{}, store.ErrNotFound
	}
	if err != nil {
		return model.CallReport{}, fmt.Errorf("scan call report: %w", err)
	}
	r.Status = model.ReportStatus(status)
	r.ResolverUserID = resolver.String
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	if len(banned) > 0 {
		if err := json.Unmarshal(banned, &r.BannedSubjects); err != nil {
			return model.CallReport{}, fmt.Errorf("unmarshal banned subjects: %w", err)
		}
	}
	return r, nil
}

// ResolveReportBanned transitions a report to RESOLVED_BANNED, recording
// which subjects were banned as a result (spec §4.10).
func (s *Store) ResolveReportBanned(ctx context.Context, callID, resolverUserID string, bannedSubjects []string, resolvedAt time.Time) (model.CallReport, error) {
	report, err := s.FindReport(ctx, callID)
	if err != nil {
		return model.CallReport{}, err
	}
	if report.Status != model.ReportStatusOpen {
		return model.CallReport{}, fmt.Errorf("%w: report is not open", store.ErrConflict)
	}

	banned, err := json.Marshal(bannedSubjects)
	if err != nil {
		return model.CallReport{}, fmt.Errorf("marshal banned subjects: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE call_reports
		SET status = $1, resolver_user_id = $2, resolved_at = $3, banned_subjects = $4
		WHERE call_id = $5`,
		string(model.ReportStatusResolvedBanned), resolverUserID, resolvedAt, banned, callID,
	)
	if err != nil {
		return model.CallReport{}, fmt.Errorf("resolve report: %w", err)
	}

	report.Status = model.ReportStatusResolvedBanned
	report.ResolverUserID = resolverUserID
	report.ResolvedAt = &resolvedAt
	report.BannedSubjects = bannedSubjects
	return report, nil
}

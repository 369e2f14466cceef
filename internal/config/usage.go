package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkpress/inkpress/internal/model"
)

// UsageFilter narrows usage aggregation to a time window. Nil bounds are
// open. TopN limits the endpoint ranking.
type UsageFilter struct {
	Start *time.Time
	End   *time.Time
	TopN  int
}

// RecordUsage appends a usage event and bumps the key's usage counter and
// last-used timestamp in one transaction. The increment is done in SQL so
// concurrent recordings for the same key never lose updates.
func (s *Store) RecordUsage(ctx context.Context, ev *model.UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	} else {
		ev.CreatedAt = ev.CreatedAt.UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insert = `INSERT INTO api_key_usage
		(id, api_key_id, endpoint, method, status_code, response_time_ms, ip_address,
		 user_agent, origin, resource_type, resource_id, error_message, created_at)
		VALUES
		(:id, :api_key_id, :endpoint, :method, :status_code, :response_time_ms, :ip_address,
		 :user_agent, :origin, :resource_type, :resource_id, :error_message, :created_at)`

	// Bump first so an unknown key fails before the FK on the insert does.
	bump := tx.Rebind("UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?")
	result, err := tx.ExecContext(ctx, bump, ev.CreatedAt, ev.APIKeyID)
	if err != nil {
		return fmt.Errorf("increment usage count: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment usage rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.NamedExecContext(ctx, insert, ev); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}
	return nil
}

// ListUsage returns a key's usage events in the filter window, newest first.
func (s *Store) ListUsage(ctx context.Context, keyID string, f UsageFilter, limit int) ([]model.UsageEvent, error) {
	where, args := usageWhere(keyID, f)
	q := `SELECT id, api_key_id, endpoint, method, status_code, response_time_ms, ip_address,
		user_agent, origin, resource_type, resource_id, error_message, created_at
		FROM api_key_usage WHERE ` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	var events []model.UsageEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return events, nil
}

type usageTotals struct {
	Total      int64   `db:"total_requests"`
	Successful int64   `db:"successful_requests"`
	Failed     int64   `db:"failed_requests"`
	AvgMs      float64 `db:"avg_response_time_ms"`
}

// UsageStats aggregates a key's usage events. Successful means a status in
// [200,400) with no recorded error; failed means a status of 400 or above or
// a recorded error. Top endpoints are ranked by count descending, then by
// endpoint name ascending.
func (s *Store) UsageStats(ctx context.Context, keyID string, f UsageFilter) (*model.UsageStats, error) {
	where, args := usageWhere(keyID, f)

	totalsQ := `SELECT
		COUNT(*) AS total_requests,
		COALESCE(SUM(CASE WHEN status_code >= 200 AND status_code < 400 AND error_message = '' THEN 1 ELSE 0 END), 0) AS successful_requests,
		COALESCE(SUM(CASE WHEN status_code >= 400 OR error_message <> '' THEN 1 ELSE 0 END), 0) AS failed_requests,
		CAST(COALESCE(AVG(response_time_ms), 0) AS DOUBLE PRECISION) AS avg_response_time_ms
		FROM api_key_usage WHERE ` + where

	var totals usageTotals
	if err := s.db.GetContext(ctx, &totals, s.db.Rebind(totalsQ), args...); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	topN := f.TopN
	if topN <= 0 {
		topN = 5
	}
	topQ := `SELECT endpoint, COUNT(*) AS request_count
		FROM api_key_usage WHERE ` + where + `
		GROUP BY endpoint
		ORDER BY request_count DESC, endpoint ASC
		LIMIT ?`
	top := []model.EndpointCount{}
	if err := s.db.SelectContext(ctx, &top, s.db.Rebind(topQ), append(args, topN)...); err != nil {
		return nil, fmt.Errorf("usage top endpoints: %w", err)
	}

	return &model.UsageStats{
		TotalRequests:      totals.Total,
		SuccessfulRequests: totals.Successful,
		FailedRequests:     totals.Failed,
		AvgResponseTimeMs:  totals.AvgMs,
		TopEndpoints:       top,
	}, nil
}

func usageWhere(keyID string, f UsageFilter) (string, []interface{}) {
	clauses := []string{"api_key_id = ?"}
	args := []interface{}{keyID}
	if f.Start != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Start.UTC())
	}
	if f.End != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.End.UTC())
	}
	return strings.Join(clauses, " AND "), args
}

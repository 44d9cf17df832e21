// Package sqlite provides a SQLite-backed rate limiter storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/palettehq/palette/internal/platform/storage/sqlitemigrate"
	"github.com/palettehq/palette/internal/services/ratelimit/storage"
	"github.com/palettehq/palette/internal/services/ratelimit/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists rate limiter counters, configs, and abuse reports in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite rate limiter store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// IncrementCounter adds one request to the bucket for the window start.
func (s *Store) IncrementCounter(ctx context.Context, subject string, endpoint string, windowStart time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	subject = strings.TrimSpace(subject)
	endpoint = strings.TrimSpace(endpoint)
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rate_limit_counters (subject, endpoint, window_start, request_count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(subject, endpoint, window_start) DO UPDATE SET
		   request_count = request_count + 1`,
		subject,
		endpoint,
		toMillis(windowStart),
	)
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

// CountRequests sums the subject's buckets for the endpoint since the cutoff.
func (s *Store) CountRequests(ctx context.Context, subject string, endpoint string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	subject = strings.TrimSpace(subject)
	endpoint = strings.TrimSpace(endpoint)
	if subject == "" {
		return 0, fmt.Errorf("subject is required")
	}
	if endpoint == "" {
		return 0, fmt.Errorf("endpoint is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(request_count), 0)
		 FROM rate_limit_counters
		 WHERE subject = ? AND endpoint = ? AND window_start >= ?`,
		subject,
		endpoint,
		toMillis(since),
	)
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return total, nil
}

// PruneCounters deletes buckets older than the cutoff.
func (s *Store) PruneCounters(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM rate_limit_counters WHERE window_start < ?`,
		toMillis(before),
	)
	if err != nil {
		return fmt.Errorf("prune counters: %w", err)
	}
	return nil
}

// GetEndpointConfig returns the persisted limits for one endpoint.
func (s *Store) GetEndpointConfig(ctx context.Context, endpoint string) (storage.EndpointConfig, error) {
	if err := ctx.Err(); err != nil {
		return storage.EndpointConfig{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EndpointConfig{}, fmt.Errorf("storage is not configured")
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return storage.EndpointConfig{}, fmt.Errorf("endpoint is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT endpoint, enabled, max_requests_per_actor, max_requests_per_ip, window_minutes
		 FROM rate_limit_endpoint_configs
		 WHERE endpoint = ?`,
		endpoint,
	)
	var config storage.EndpointConfig
	var enabled int64
	var windowMinutes int64
	err := row.Scan(
		&config.Endpoint,
		&enabled,
		&config.MaxRequestsPerActor,
		&config.MaxRequestsPerIP,
		&windowMinutes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EndpointConfig{}, storage.ErrNotFound
		}
		return storage.EndpointConfig{}, fmt.Errorf("get endpoint config: %w", err)
	}
	config.Enabled = enabled != 0
	config.Window = time.Duration(windowMinutes) * time.Minute
	return config, nil
}

// PutEndpointConfig upserts the limits for one endpoint.
func (s *Store) PutEndpointConfig(ctx context.Context, config storage.EndpointConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	endpoint := strings.TrimSpace(config.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	enabled := 0
	if config.Enabled {
		enabled = 1
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rate_limit_endpoint_configs
		   (endpoint, enabled, max_requests_per_actor, max_requests_per_ip, window_minutes)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   enabled = excluded.enabled,
		   max_requests_per_actor = excluded.max_requests_per_actor,
		   max_requests_per_ip = excluded.max_requests_per_ip,
		   window_minutes = excluded.window_minutes`,
		endpoint,
		enabled,
		config.MaxRequestsPerActor,
		config.MaxRequestsPerIP,
		int64(config.Window/time.Minute),
	)
	if err != nil {
		return fmt.Errorf("put endpoint config: %w", err)
	}
	return nil
}

// PutAbuseReport appends one over-limit report.
func (s *Store) PutAbuseReport(ctx context.Context, report storage.AbuseReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(report.ID) == "" {
		return fmt.Errorf("report id is required")
	}
	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO abuse_reports
		   (id, subject, endpoint, severity, request_count, request_limit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		report.Subject,
		report.Endpoint,
		report.Severity,
		report.RequestCount,
		report.Limit,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put abuse report: %w", err)
	}
	return nil
}

// ListAbuseReports returns the most recent reports for an endpoint.
func (s *Store) ListAbuseReports(ctx context.Context, endpoint string, limit int) ([]storage.AbuseReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, subject, endpoint, severity, request_count, request_limit, created_at
		 FROM abuse_reports
		 WHERE endpoint = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		endpoint,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list abuse reports: %w", err)
	}
	defer rows.Close()

	var reports []storage.AbuseReport
	for rows.Next() {
		var report storage.AbuseReport
		var createdAt int64
		if err := rows.Scan(
			&report.ID,
			&report.Subject,
			&report.Endpoint,
			&report.Severity,
			&report.RequestCount,
			&report.Limit,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("list abuse reports: %w", err)
		}
		report.CreatedAt = fromMillis(createdAt)
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list abuse reports: %w", err)
	}
	return reports, nil
}

var _ storage.CounterStore = (*Store)(nil)
var _ storage.ConfigStore = (*Store)(nil)
var _ storage.AbuseStore = (*Store)(nil)

// Package storage defines persistence contracts for rate limiter state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// EndpointConfig holds the sliding-window limits for one endpoint.
type EndpointConfig struct {
	Endpoint            string
	Enabled             bool
	MaxRequestsPerActor int
	MaxRequestsPerIP    int
	Window              time.Duration
}

// AbuseReport records one over-limit request for review. Severity escalates
// with how far past the limit the caller is.
type AbuseReport struct {
	ID           string
	Subject      string
	Endpoint     string
	Severity     string
	RequestCount int
	Limit        int
	CreatedAt    time.Time
}

// CounterStore persists request counters bucketed by window start.
type CounterStore interface {
	// IncrementCounter adds one request to the (subject, endpoint, windowStart) bucket.
	IncrementCounter(ctx context.Context, subject string, endpoint string, windowStart time.Time) error
	// CountRequests sums the subject's buckets for the endpoint since the cutoff.
	CountRequests(ctx context.Context, subject string, endpoint string, since time.Time) (int, error)
	// PruneCounters deletes buckets older than the cutoff.
	PruneCounters(ctx context.Context, before time.Time) error
}

// ConfigStore reads per-endpoint limiter configuration.
type ConfigStore interface {
	GetEndpointConfig(ctx context.Context, endpoint string) (EndpointConfig, error)
	PutEndpointConfig(ctx context.Context, config EndpointConfig) error
}

// AbuseStore persists over-limit reports.
type AbuseStore interface {
	PutAbuseReport(ctx context.Context, report AbuseReport) error
	ListAbuseReports(ctx context.Context, endpoint string, limit int) ([]AbuseReport, error)
}

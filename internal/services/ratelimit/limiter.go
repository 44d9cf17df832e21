// Package ratelimit implements a sliding-window request gate keyed by actor,
// client IP, and endpoint name.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/palettehq/palette/internal/platform/id"
	"github.com/palettehq/palette/internal/services/ratelimit/storage"
)

// Severity levels for abuse reports, ordered by how far past the limit the
// caller is.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// Limiter admits or denies requests against persisted sliding-window
// counters. Config lookups fail open: a broken config store must never take
// the gated endpoint down with it.
type Limiter struct {
	configs  storage.ConfigStore
	counters storage.CounterStore
	abuse    storage.AbuseStore

	defaults map[string]storage.EndpointConfig
	clock    func() time.Time
	newID    func() (string, error)
}

// New creates a limiter over the given stores. Endpoints without a persisted
// config fall back to the provided defaults; an endpoint absent from both is
// not limited.
func New(configs storage.ConfigStore, counters storage.CounterStore, abuse storage.AbuseStore, defaults []storage.EndpointConfig) *Limiter {
	byEndpoint := make(map[string]storage.EndpointConfig, len(defaults))
	for _, config := range defaults {
		byEndpoint[config.Endpoint] = config
	}
	return &Limiter{
		configs:  configs,
		counters: counters,
		abuse:    abuse,
		defaults: byEndpoint,
		clock:    time.Now,
		newID:    id.NewID,
	}
}

// severityFor grades an over-limit request by its overage ratio.
func severityFor(count int, limit int) string {
	if limit <= 0 {
		return SeverityHigh
	}
	switch {
	case count < 2*limit:
		return SeverityLow
	case count < 5*limit:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

func (l *Limiter) config(ctx context.Context, endpoint string) (storage.EndpointConfig, bool, error) {
	if l.configs != nil {
		config, err := l.configs.GetEndpointConfig(ctx, endpoint)
		if err == nil {
			return config, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.EndpointConfig{}, false, err
		}
	}
	config, ok := l.defaults[endpoint]
	return config, ok, nil
}

// Check admits or denies one request for (actorID, clientIP, endpoint). The
// actor dimension is skipped for anonymous callers; the IP dimension always
// applies. Both dimensions share the endpoint's window.
func (l *Limiter) Check(ctx context.Context, actorID string, clientIP string, endpoint string) (Decision, error) {
	if l == nil || l.counters == nil {
		return Decision{}, fmt.Errorf("limiter is not configured")
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Decision{}, fmt.Errorf("endpoint is required")
	}
	actorID = strings.TrimSpace(actorID)
	clientIP = strings.TrimSpace(clientIP)

	config, found, err := l.config(ctx, endpoint)
	if err != nil {
		// Fail open: the gate must not outage the endpoint it protects.
		log.Printf("rate limit config lookup for %s failed, allowing request: %v", endpoint, err)
		return Decision{Allowed: true, Remaining: -1, Reason: "config lookup failed"}, nil
	}
	if !found || !config.Enabled || config.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.clock().UTC()
	bucket := now.Truncate(time.Minute)
	since := now.Add(-config.Window)
	resetAt := bucket.Add(config.Window)

	type dimension struct {
		subject string
		limit   int
	}
	dimensions := make([]dimension, 0, 2)
	if actorID != "" && config.MaxRequestsPerActor > 0 {
		dimensions = append(dimensions, dimension{subject: "actor:" + actorID, limit: config.MaxRequestsPerActor})
	}
	if clientIP != "" && config.MaxRequestsPerIP > 0 {
		dimensions = append(dimensions, dimension{subject: "ip:" + clientIP, limit: config.MaxRequestsPerIP})
	}

	decision := Decision{Allowed: true, Remaining: -1, ResetAt: resetAt}
	for _, dim := range dimensions {
		if err := l.counters.IncrementCounter(ctx, dim.subject, endpoint, bucket); err != nil {
			return Decision{}, fmt.Errorf("increment %s: %w", dim.subject, err)
		}
		count, err := l.counters.CountRequests(ctx, dim.subject, endpoint, since)
		if err != nil {
			return Decision{}, fmt.Errorf("count %s: %w", dim.subject, err)
		}
		remaining := dim.limit - count
		if remaining < 0 {
			remaining = 0
		}
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Remaining = remaining
		}
		if count <= dim.limit {
			continue
		}

		decision.Allowed = false
		decision.Reason = fmt.Sprintf("%s exceeded %d requests per %s", dim.subject, dim.limit, config.Window)
		l.reportAbuse(ctx, dim.subject, endpoint, count, dim.limit, now)
	}
	return decision, nil
}

// reportAbuse writes a side record for an over-limit request. Failures are
// logged, not returned: reporting must not change the admission outcome.
func (l *Limiter) reportAbuse(ctx context.Context, subject string, endpoint string, count int, limit int, now time.Time) {
	if l.abuse == nil {
		return
	}
	reportID, err := l.newID()
	if err != nil {
		log.Printf("abuse report id for %s on %s: %v", subject, endpoint, err)
		return
	}
	report := storage.AbuseReport{
		ID:           reportID,
		Subject:      subject,
		Endpoint:     endpoint,
		Severity:     severityFor(count, limit),
		RequestCount: count,
		Limit:        limit,
		CreatedAt:    now,
	}
	if err := l.abuse.PutAbuseReport(ctx, report); err != nil {
		log.Printf("record abuse report for %s on %s: %v", subject, endpoint, err)
	}
}

// Package storage defines persistence contracts for module activation state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/palettehq/palette/internal/services/modules/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// TenantModuleState stores one tenant's state for one module. Row presence
// means the tenant is subscribed to the module; Active tracks whether the
// module is currently enabled.
type TenantModuleState struct {
	TenantID  string
	ModuleID  string
	Active    bool
	UpdatedAt time.Time
}

// AuditRecord stores one append-only module state transition.
type AuditRecord struct {
	ID                   string
	TenantID             string
	ActorID              string
	ModuleID             string
	Action               domain.AuditAction
	TriggeredByModuleKey string
	CreatedAt            time.Time
}

// AuditPage stores one page of audit records.
type AuditPage struct {
	Records       []AuditRecord
	NextPageToken string
}

// StateTransition describes one atomic batch of state writes plus the audit
// trail that documents them. Either every part applies or none does.
type StateTransition struct {
	TenantID   string
	Activate   []string
	Deactivate []string
	Audits     []AuditRecord
	UpdatedAt  time.Time
}

// CatalogStore reads module definitions and dependency edges.
type CatalogStore interface {
	GetModuleByKey(ctx context.Context, key string) (domain.ModuleDefinition, error)
	GetModuleByID(ctx context.Context, moduleID string) (domain.ModuleDefinition, error)
	ListModules(ctx context.Context) ([]domain.ModuleDefinition, error)
	ListDependencyEdges(ctx context.Context) ([]domain.DependencyEdge, error)
	PutModule(ctx context.Context, module domain.ModuleDefinition) error
	PutDependencyEdge(ctx context.Context, edge domain.DependencyEdge) error
}

// StateStore persists per-tenant module activation state. It is the only
// mutable store the engine owns.
type StateStore interface {
	// GetOrCreateState loads the state row, lazily creating an inactive one.
	GetOrCreateState(ctx context.Context, tenantID string, moduleID string) (TenantModuleState, error)
	GetState(ctx context.Context, tenantID string, moduleID string) (TenantModuleState, error)
	// ListStates returns every state row for the tenant.
	ListStates(ctx context.Context, tenantID string) ([]TenantModuleState, error)
	// ApplyTransition applies the activation batch and appends its audit
	// records in a single transaction.
	ApplyTransition(ctx context.Context, transition StateTransition) error
}

// AuditStore reads the append-only transition log.
type AuditStore interface {
	ListAuditRecords(ctx context.Context, tenantID string, pageSize int, pageToken string) (AuditPage, error)
}

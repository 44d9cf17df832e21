// Package engine implements the module dependency and activation engine:
// cascade activation, deactivation blocking, what-if projections, and the
// atomic toggle transition with its audit trail.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/palettehq/palette/internal/platform/errors"
	"github.com/palettehq/palette/internal/platform/id"
	"github.com/palettehq/palette/internal/services/modules/domain"
	"github.com/palettehq/palette/internal/services/modules/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "palette.modules.engine"

// ModuleProjection is the read-only what-if view for one catalog module.
// Dependency checks are intentionally one hop deep: CanActivate can be true
// while a toggle would still cascade through deeper dependencies.
type ModuleProjection struct {
	Module             domain.ModuleDefinition
	IsSubscribed       bool
	IsActive           bool
	UnmetDependencies  []domain.ModuleDefinition
	CanActivate        bool
	BlockingDependents []domain.ModuleDefinition
	CanDeactivate      bool
}

// ToggleResult reports the outcome of one toggle transition.
type ToggleResult struct {
	Module       domain.ModuleDefinition
	State        storage.TenantModuleState
	Activated    bool
	CascadeCount int
}

// Engine computes and applies module activation transitions. All mutations
// for a tenant are serialized through a per-tenant lock so concurrent
// toggles never act on stale cascade or blocking sets.
type Engine struct {
	catalog storage.CatalogStore
	graph   domain.Graph
	states  storage.StateStore

	clock func() time.Time
	newID func() (string, error)

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// New creates an activation engine over the given catalog, graph, and state
// store.
func New(catalog storage.CatalogStore, graph domain.Graph, states storage.StateStore) *Engine {
	return &Engine{
		catalog:     catalog,
		graph:       graph,
		states:      states,
		clock:       time.Now,
		newID:       id.NewID,
		tenantLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func (e *Engine) lockTenant(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		e.tenantLocks[tenantID] = lock
	}
	return lock
}

func (e *Engine) ready() error {
	if e == nil || e.catalog == nil || e.graph == nil || e.states == nil {
		return fmt.Errorf("engine is not configured")
	}
	return nil
}

func (e *Engine) isActive(ctx context.Context, tenantID string, moduleID string) (bool, error) {
	state, err := e.states.GetState(ctx, tenantID, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return state.Active, nil
}

// ComputeCascadeActivation returns the transitive set of currently inactive
// dependencies that must activate alongside moduleID. The root module is not
// included. The processed set guarantees termination even when the edge data
// contains a cycle.
func (e *Engine) ComputeCascadeActivation(ctx context.Context, tenantID string, moduleID string) (map[string]struct{}, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	moduleID = strings.TrimSpace(moduleID)
	if tenantID == "" {
		return nil, apperrors.New(apperrors.CodeTenantIDEmpty, "tenant id is required")
	}
	if moduleID == "" {
		return nil, fmt.Errorf("module id is required")
	}

	processed := make(map[string]struct{})
	toActivate := make(map[string]struct{})
	queue := []string{moduleID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, ok := processed[current]; ok {
			continue
		}
		processed[current] = struct{}{}

		deps, err := e.graph.Dependencies(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("load dependencies of %s: %w", current, err)
		}
		for _, dep := range deps {
			if _, ok := processed[dep]; ok {
				continue
			}
			active, err := e.isActive(ctx, tenantID, dep)
			if err != nil {
				return nil, fmt.Errorf("load state of %s: %w", dep, err)
			}
			if active {
				continue
			}
			toActivate[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}

	delete(toActivate, moduleID)
	return toActivate, nil
}

// CheckDeactivationBlockers returns the currently active modules that
// directly depend on moduleID. An empty result means deactivation is safe.
// Only direct reverse edges are examined; transitive dependents of an
// intermediate module do not block.
func (e *Engine) CheckDeactivationBlockers(ctx context.Context, tenantID string, moduleID string) ([]domain.ModuleDefinition, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	moduleID = strings.TrimSpace(moduleID)
	if tenantID == "" {
		return nil, apperrors.New(apperrors.CodeTenantIDEmpty, "tenant id is required")
	}
	if moduleID == "" {
		return nil, fmt.Errorf("module id is required")
	}

	dependents, err := e.graph.ReverseDependencies(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("load reverse dependencies of %s: %w", moduleID, err)
	}

	var blockers []domain.ModuleDefinition
	for _, dependent := range dependents {
		active, err := e.isActive(ctx, tenantID, dependent)
		if err != nil {
			return nil, fmt.Errorf("load state of %s: %w", dependent, err)
		}
		if !active {
			continue
		}
		module, err := e.catalog.GetModuleByID(ctx, dependent)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Edge points at a module missing from the catalog; it
				// cannot be active in any meaningful sense, skip it.
				continue
			}
			return nil, fmt.Errorf("load module %s: %w", dependent, err)
		}
		blockers = append(blockers, module)
	}
	sort.Slice(blockers, func(i, j int) bool { return blockers[i].Name < blockers[j].Name })
	return blockers, nil
}

// ProjectModuleStates computes the what-if view for every catalog module.
// It reads the persisted state once and never mutates anything.
func (e *Engine) ProjectModuleStates(ctx context.Context, tenantID string) ([]ModuleProjection, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, apperrors.New(apperrors.CodeTenantIDEmpty, "tenant id is required")
	}

	ctx, span := e.tracer().Start(ctx, "ProjectModuleStates",
		trace.WithAttributes(attribute.String("palette.tenant_id", tenantID)))
	defer span.End()

	modules, err := e.catalog.ListModules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	edges, err := e.catalog.ListDependencyEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	states, err := e.states.ListStates(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	byID := make(map[string]domain.ModuleDefinition, len(modules))
	for _, module := range modules {
		byID[module.ID] = module
	}
	stateByModule := make(map[string]storage.TenantModuleState, len(states))
	for _, state := range states {
		stateByModule[state.ModuleID] = state
	}
	dependsOn := make(map[string][]string)
	dependedBy := make(map[string][]string)
	for _, edge := range edges {
		dependsOn[edge.ModuleID] = append(dependsOn[edge.ModuleID], edge.DependsOnModuleID)
		dependedBy[edge.DependsOnModuleID] = append(dependedBy[edge.DependsOnModuleID], edge.ModuleID)
	}
	isActive := func(moduleID string) bool {
		return stateByModule[moduleID].Active
	}

	projections := make([]ModuleProjection, 0, len(modules))
	for _, module := range modules {
		state, subscribed := stateByModule[module.ID]

		var unmet []domain.ModuleDefinition
		for _, dep := range dependsOn[module.ID] {
			if isActive(dep) {
				continue
			}
			if definition, ok := byID[dep]; ok {
				unmet = append(unmet, definition)
			}
		}
		var blocking []domain.ModuleDefinition
		for _, dependent := range dependedBy[module.ID] {
			if !isActive(dependent) {
				continue
			}
			if definition, ok := byID[dependent]; ok {
				blocking = append(blocking, definition)
			}
		}

		projections = append(projections, ModuleProjection{
			Module:             module,
			IsSubscribed:       subscribed,
			IsActive:           state.Active,
			UnmetDependencies:  unmet,
			CanActivate:        len(unmet) == 0,
			BlockingDependents: blocking,
			CanDeactivate:      len(blocking) == 0,
		})
	}
	return projections, nil
}

// ToggleModule flips the activation state of the module identified by
// moduleKey for the tenant. Activation cascades through inactive transitive
// dependencies; deactivation is refused while active dependents remain. The
// state writes and audit records commit in one transaction.
func (e *Engine) ToggleModule(ctx context.Context, tenantID string, actorID string, moduleKey string) (ToggleResult, error) {
	if err := e.ready(); err != nil {
		return ToggleResult{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	actorID = strings.TrimSpace(actorID)
	moduleKey = strings.TrimSpace(moduleKey)
	if tenantID == "" {
		return ToggleResult{}, apperrors.New(apperrors.CodeTenantIDEmpty, "tenant id is required")
	}
	if actorID == "" {
		return ToggleResult{}, apperrors.New(apperrors.CodeActorIDEmpty, "actor id is required")
	}
	if moduleKey == "" {
		return ToggleResult{}, apperrors.New(apperrors.CodeModuleKeyEmpty, "module key is required")
	}

	ctx, span := e.tracer().Start(ctx, "ToggleModule",
		trace.WithAttributes(
			attribute.String("palette.tenant_id", tenantID),
			attribute.String("palette.module_key", moduleKey),
		))
	defer span.End()

	module, err := e.catalog.GetModuleByKey(ctx, moduleKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ToggleResult{}, apperrors.WithMetadata(apperrors.CodeModuleNotFound,
				"module is not in the catalog", map[string]string{"module_key": moduleKey})
		}
		return ToggleResult{}, fmt.Errorf("resolve module %s: %w", moduleKey, err)
	}

	lock := e.lockTenant(tenantID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.states.GetOrCreateState(ctx, tenantID, module.ID)
	if err != nil {
		return ToggleResult{}, fmt.Errorf("load state for %s: %w", module.Key, err)
	}

	var transition storage.StateTransition
	result := ToggleResult{Module: module}
	if !state.Active {
		transition, err = e.planActivation(ctx, tenantID, actorID, module)
		if err != nil {
			return ToggleResult{}, err
		}
		result.Activated = true
		result.CascadeCount = len(transition.Activate) - 1
	} else {
		transition, err = e.planDeactivation(ctx, tenantID, actorID, module)
		if err != nil {
			return ToggleResult{}, err
		}
	}

	if err := e.states.ApplyTransition(ctx, transition); err != nil {
		return ToggleResult{}, fmt.Errorf("apply transition for %s: %w", module.Key, err)
	}
	span.SetAttributes(attribute.Int("palette.cascade_count", result.CascadeCount))

	updated, err := e.states.GetState(ctx, tenantID, module.ID)
	if err != nil {
		return ToggleResult{}, fmt.Errorf("reload state for %s: %w", module.Key, err)
	}
	result.State = updated
	return result, nil
}

// planActivation computes the cascade closure and the audit trail for an
// activation. It performs no writes.
func (e *Engine) planActivation(ctx context.Context, tenantID string, actorID string, module domain.ModuleDefinition) (storage.StateTransition, error) {
	cascade, err := e.ComputeCascadeActivation(ctx, tenantID, module.ID)
	if err != nil {
		return storage.StateTransition{}, err
	}

	cascadeIDs := make([]string, 0, len(cascade))
	for moduleID := range cascade {
		cascadeIDs = append(cascadeIDs, moduleID)
	}
	sort.Strings(cascadeIDs)

	now := e.clock().UTC()
	transition := storage.StateTransition{
		TenantID:  tenantID,
		Activate:  append(cascadeIDs, module.ID),
		UpdatedAt: now,
	}

	rootAudit, err := e.newAuditRecord(tenantID, actorID, module.ID, domain.AuditActivated, "", now)
	if err != nil {
		return storage.StateTransition{}, err
	}
	transition.Audits = append(transition.Audits, rootAudit)
	for _, moduleID := range cascadeIDs {
		record, err := e.newAuditRecord(tenantID, actorID, moduleID, domain.AuditActivatedCascade, module.Key, now)
		if err != nil {
			return storage.StateTransition{}, err
		}
		transition.Audits = append(transition.Audits, record)
	}
	return transition, nil
}

// planDeactivation verifies no active dependents remain and builds the
// single-module deactivation. Dependencies stay active: there is no
// deactivation cascade.
func (e *Engine) planDeactivation(ctx context.Context, tenantID string, actorID string, module domain.ModuleDefinition) (storage.StateTransition, error) {
	blockers, err := e.CheckDeactivationBlockers(ctx, tenantID, module.ID)
	if err != nil {
		return storage.StateTransition{}, err
	}
	if len(blockers) > 0 {
		names := make([]string, 0, len(blockers))
		for _, blocker := range blockers {
			names = append(names, blocker.Name)
		}
		return storage.StateTransition{}, apperrors.WithMetadata(apperrors.CodeBlockingDependencies,
			"active modules still depend on "+module.Key, map[string]string{
				"module_key":       module.Key,
				"blocking_modules": strings.Join(names, ", "),
			})
	}

	now := e.clock().UTC()
	record, err := e.newAuditRecord(tenantID, actorID, module.ID, domain.AuditDeactivated, "", now)
	if err != nil {
		return storage.StateTransition{}, err
	}
	return storage.StateTransition{
		TenantID:   tenantID,
		Deactivate: []string{module.ID},
		Audits:     []storage.AuditRecord{record},
		UpdatedAt:  now,
	}, nil
}

func (e *Engine) newAuditRecord(tenantID string, actorID string, moduleID string, action domain.AuditAction, triggeredBy string, at time.Time) (storage.AuditRecord, error) {
	recordID, err := e.newID()
	if err != nil {
		return storage.AuditRecord{}, fmt.Errorf("generate audit id: %w", err)
	}
	return storage.AuditRecord{
		ID:                   recordID,
		TenantID:             tenantID,
		ActorID:              actorID,
		ModuleID:             moduleID,
		Action:               action,
		TriggeredByModuleKey: triggeredBy,
		CreatedAt:            at,
	}, nil
}

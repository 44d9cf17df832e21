// Package sqlite provides a SQLite-backed modules storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlitemigrate "github.com/palettehq/palette/internal/platform/storage/sqlitemigrate"
	"github.com/palettehq/palette/internal/services/modules/domain"
	"github.com/palettehq/palette/internal/services/modules/storage"
	"github.com/palettehq/palette/internal/services/modules/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists module catalog and tenant activation state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite modules store and applies embedded migrations.
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

// PutModule upserts one module definition.
func (s *Store) PutModule(ctx context.Context, module domain.ModuleDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := module.Validate(); err != nil {
		return err
	}
	moduleID := strings.TrimSpace(module.ID)
	if moduleID == "" {
		return fmt.Errorf("module id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO modules (id, key, name, category, description, icon)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   key = excluded.key,
		   name = excluded.name,
		   category = excluded.category,
		   description = excluded.description,
		   icon = excluded.icon`,
		moduleID,
		strings.TrimSpace(module.Key),
		module.Name,
		module.Category,
		module.Description,
		module.Icon,
	)
	if err != nil {
		return fmt.Errorf("put module: %w", err)
	}
	return nil
}

// GetModuleByKey returns one module definition by its stable key.
func (s *Store) GetModuleByKey(ctx context.Context, key string) (domain.ModuleDefinition, error) {
	if err := ctx.Err(); err != nil {
		return domain.ModuleDefinition{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.ModuleDefinition{}, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ModuleDefinition{}, fmt.Errorf("module key is required")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, key, name, category, description, icon FROM modules WHERE key = ?`,
		key,
	)
	return scanModule(row)
}

// GetModuleByID returns one module definition by its surrogate id.
func (s *Store) GetModuleByID(ctx context.Context, moduleID string) (domain.ModuleDefinition, error) {
	if err := ctx.Err(); err != nil {
		return domain.ModuleDefinition{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.ModuleDefinition{}, fmt.Errorf("storage is not configured")
	}
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return domain.ModuleDefinition{}, fmt.Errorf("module id is required")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, key, name, category, description, icon FROM modules WHERE id = ?`,
		moduleID,
	)
	return scanModule(row)
}

func scanModule(row *sql.Row) (domain.ModuleDefinition, error) {
	var module domain.ModuleDefinition
	err := row.Scan(
		&module.ID,
		&module.Key,
		&module.Name,
		&module.Category,
		&module.Description,
		&module.Icon,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ModuleDefinition{}, storage.ErrNotFound
		}
		return domain.ModuleDefinition{}, fmt.Errorf("get module: %w", err)
	}
	return module, nil
}

// ListModules returns all module definitions ordered by category, then name.
func (s *Store) ListModules(ctx context.Context) ([]domain.ModuleDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, key, name, category, description, icon
		 FROM modules
		 ORDER BY category ASC, name ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var modules []domain.ModuleDefinition
	for rows.Next() {
		var module domain.ModuleDefinition
		if err := rows.Scan(
			&module.ID,
			&module.Key,
			&module.Name,
			&module.Category,
			&module.Description,
			&module.Icon,
		); err != nil {
			return nil, fmt.Errorf("list modules: %w", err)
		}
		modules = append(modules, module)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	return modules, nil
}

// PutDependencyEdge records one directed dependency edge.
func (s *Store) PutDependencyEdge(ctx context.Context, edge domain.DependencyEdge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	moduleID := strings.TrimSpace(edge.ModuleID)
	dependsOn := strings.TrimSpace(edge.DependsOnModuleID)
	if moduleID == "" {
		return fmt.Errorf("module id is required")
	}
	if dependsOn == "" {
		return fmt.Errorf("depends-on module id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO module_dependencies (module_id, depends_on_module_id) VALUES (?, ?)`,
		moduleID,
		dependsOn,
	)
	if err != nil {
		return fmt.Errorf("put dependency edge: %w", err)
	}
	return nil
}

// ListDependencyEdges returns every dependency edge, de-duplicated.
func (s *Store) ListDependencyEdges(ctx context.Context) ([]domain.DependencyEdge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT module_id, depends_on_module_id
		 FROM module_dependencies
		 ORDER BY module_id ASC, depends_on_module_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	defer rows.Close()

	var edges []domain.DependencyEdge
	for rows.Next() {
		var edge domain.DependencyEdge
		if err := rows.Scan(&edge.ModuleID, &edge.DependsOnModuleID); err != nil {
			return nil, fmt.Errorf("list dependency edges: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	return domain.DedupeEdges(edges), nil
}

// Dependencies returns the module ids the given module directly depends on.
func (s *Store) Dependencies(ctx context.Context, moduleID string) ([]string, error) {
	return s.queryEdgeTargets(ctx, moduleID,
		`SELECT DISTINCT depends_on_module_id
		 FROM module_dependencies
		 WHERE module_id = ? AND depends_on_module_id != module_id
		 ORDER BY depends_on_module_id ASC`)
}

// ReverseDependencies returns the module ids that directly depend on the module.
func (s *Store) ReverseDependencies(ctx context.Context, moduleID string) ([]string, error) {
	return s.queryEdgeTargets(ctx, moduleID,
		`SELECT DISTINCT module_id
		 FROM module_dependencies
		 WHERE depends_on_module_id = ? AND module_id != depends_on_module_id
		 ORDER BY module_id ASC`)
}

func (s *Store) queryEdgeTargets(ctx context.Context, moduleID string, query string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return nil, fmt.Errorf("module id is required")
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, moduleID)
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("query dependency edges: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	return targets, nil
}

// GetOrCreateState loads one tenant module state row, lazily creating an
// inactive one when absent.
func (s *Store) GetOrCreateState(ctx context.Context, tenantID string, moduleID string) (storage.TenantModuleState, error) {
	if err := ctx.Err(); err != nil {
		return storage.TenantModuleState{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TenantModuleState{}, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	moduleID = strings.TrimSpace(moduleID)
	if tenantID == "" {
		return storage.TenantModuleState{}, fmt.Errorf("tenant id is required")
	}
	if moduleID == "" {
		return storage.TenantModuleState{}, fmt.Errorf("module id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO tenant_module_states (tenant_id, module_id, active, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(tenant_id, module_id) DO NOTHING`,
		tenantID,
		moduleID,
		toMillis(time.Now()),
	)
	if err != nil {
		return storage.TenantModuleState{}, fmt.Errorf("create state: %w", err)
	}
	return s.GetState(ctx, tenantID, moduleID)
}

// GetState returns one tenant module state row.
func (s *Store) GetState(ctx context.Context, tenantID string, moduleID string) (storage.TenantModuleState, error) {
	if err := ctx.Err(); err != nil {
		return storage.TenantModuleState{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TenantModuleState{}, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	moduleID = strings.TrimSpace(moduleID)
	if tenantID == "" {
		return storage.TenantModuleState{}, fmt.Errorf("tenant id is required")
	}
	if moduleID == "" {
		return storage.TenantModuleState{}, fmt.Errorf("module id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT tenant_id, module_id, active, updated_at
		 FROM tenant_module_states
		 WHERE tenant_id = ? AND module_id = ?`,
		tenantID,
		moduleID,
	)
	var state storage.TenantModuleState
	var active int64
	var updatedAt int64
	err := row.Scan(&state.TenantID, &state.ModuleID, &active, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TenantModuleState{}, storage.ErrNotFound
		}
		return storage.TenantModuleState{}, fmt.Errorf("get state: %w", err)
	}
	state.Active = active != 0
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}

// ListStates returns every state row for the tenant.
func (s *Store) ListStates(ctx context.Context, tenantID string) ([]storage.TenantModuleState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT tenant_id, module_id, active, updated_at
		 FROM tenant_module_states
		 WHERE tenant_id = ?
		 ORDER BY module_id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var states []storage.TenantModuleState
	for rows.Next() {
		var state storage.TenantModuleState
		var active int64
		var updatedAt int64
		if err := rows.Scan(&state.TenantID, &state.ModuleID, &active, &updatedAt); err != nil {
			return nil, fmt.Errorf("list states: %w", err)
		}
		state.Active = active != 0
		state.UpdatedAt = fromMillis(updatedAt)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return states, nil
}

// ApplyTransition applies one activation batch and its audit trail in a
// single transaction. A failure on any statement rolls the whole batch back.
func (s *Store) ApplyTransition(ctx context.Context, transition storage.StateTransition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tenantID := strings.TrimSpace(transition.TenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	updatedAt := transition.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, moduleID := range transition.Activate {
		if err := upsertState(ctx, tx, tenantID, moduleID, true, updatedAt); err != nil {
			return err
		}
	}
	for _, moduleID := range transition.Deactivate {
		if err := upsertState(ctx, tx, tenantID, moduleID, false, updatedAt); err != nil {
			return err
		}
	}
	for _, record := range transition.Audits {
		if strings.TrimSpace(record.ID) == "" {
			return fmt.Errorf("audit record id is required")
		}
		if !record.Action.Valid() {
			return fmt.Errorf("audit action %q is invalid", record.Action)
		}
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = updatedAt
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO module_audit_log
			   (id, tenant_id, actor_id, module_id, action, triggered_by_module_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.ID,
			tenantID,
			record.ActorID,
			record.ModuleID,
			string(record.Action),
			record.TriggeredByModuleKey,
			toMillis(createdAt),
		); err != nil {
			return fmt.Errorf("append audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func upsertState(ctx context.Context, tx *sql.Tx, tenantID string, moduleID string, active bool, updatedAt time.Time) error {
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return fmt.Errorf("module id is required")
	}
	activeValue := 0
	if active {
		activeValue = 1
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO tenant_module_states (tenant_id, module_id, active, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, module_id) DO UPDATE SET
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		tenantID,
		moduleID,
		activeValue,
		toMillis(updatedAt),
	); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// ListAuditRecords returns one page of a tenant's audit log, oldest first.
func (s *Store) ListAuditRecords(ctx context.Context, tenantID string, pageSize int, pageToken string) (storage.AuditPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.AuditPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AuditPage{}, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return storage.AuditPage{}, fmt.Errorf("tenant id is required")
	}
	if pageSize <= 0 {
		return storage.AuditPage{}, fmt.Errorf("page size must be greater than zero")
	}

	page := storage.AuditPage{
		Records: make([]storage.AuditRecord, 0, pageSize),
	}
	afterMillis, afterID, err := decodeAuditPageToken(pageToken)
	if err != nil {
		return storage.AuditPage{}, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, tenant_id, actor_id, module_id, action, triggered_by_module_key, created_at
		 FROM module_audit_log
		 WHERE tenant_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		tenantID,
		afterMillis,
		afterMillis,
		afterID,
		pageSize+1,
	)
	if err != nil {
		return storage.AuditPage{}, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record storage.AuditRecord
		var action string
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.TenantID,
			&record.ActorID,
			&record.ModuleID,
			&action,
			&record.TriggeredByModuleKey,
			&createdAt,
		); err != nil {
			return storage.AuditPage{}, fmt.Errorf("list audit records: %w", err)
		}
		record.Action = domain.AuditAction(action)
		record.CreatedAt = fromMillis(createdAt)
		page.Records = append(page.Records, record)
	}
	if err := rows.Err(); err != nil {
		return storage.AuditPage{}, fmt.Errorf("list audit records: %w", err)
	}
	if len(page.Records) > pageSize {
		last := page.Records[pageSize-1]
		page.NextPageToken = encodeAuditPageToken(toMillis(last.CreatedAt), last.ID)
		page.Records = page.Records[:pageSize]
	}
	return page, nil
}

func encodeAuditPageToken(createdAtMillis int64, id string) string {
	return strconv.FormatInt(createdAtMillis, 10) + "|" + id
}

func decodeAuditPageToken(token string) (int64, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, "", nil
	}
	millisPart, idPart, found := strings.Cut(token, "|")
	if !found {
		return 0, "", fmt.Errorf("page token is malformed")
	}
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("page token is malformed")
	}
	return millis, idPart, nil
}

var _ storage.CatalogStore = (*Store)(nil)
var _ storage.StateStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)
var _ domain.Graph = (*Store)(nil)

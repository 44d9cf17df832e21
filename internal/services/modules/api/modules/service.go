// Package modules exposes the activation engine's shell-facing operations.
// It owns request admission: grant verification, rate limiting, and role
// checks happen here so the engine stays a pure decision layer.
package modules

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	apperrors "github.com/palettehq/palette/internal/platform/errors"
	"github.com/palettehq/palette/internal/platform/grpc/pagination"
	"github.com/palettehq/palette/internal/platform/requestctx"
	"github.com/palettehq/palette/internal/services/modules/domain"
	"github.com/palettehq/palette/internal/services/modules/engine"
	"github.com/palettehq/palette/internal/services/modules/grant"
	"github.com/palettehq/palette/internal/services/modules/storage"
	"github.com/palettehq/palette/internal/services/ratelimit"
)

// Endpoint names used for rate limit keying.
const (
	EndpointGetProjection = "get-projection"
	EndpointToggleModule  = "toggle-module"
	EndpointListAudit     = "list-audit"
)

var listAuditPageSizes = pagination.PageSizeConfig{Default: 20, Max: 100}

// ActivationEngine is the engine surface the API depends on.
type ActivationEngine interface {
	ProjectModuleStates(ctx context.Context, tenantID string) ([]engine.ModuleProjection, error)
	ToggleModule(ctx context.Context, tenantID string, actorID string, moduleKey string) (engine.ToggleResult, error)
}

// Gate is the rate limiter surface the API depends on.
type Gate interface {
	Check(ctx context.Context, actorID string, clientIP string, endpoint string) (ratelimit.Decision, error)
}

// GetProjectionRequest asks for the tenant's what-if module view.
type GetProjectionRequest struct {
	Grant string
}

// GetProjectionResponse carries one projection per catalog module.
type GetProjectionResponse struct {
	Projections []engine.ModuleProjection
}

// ToggleModuleRequest flips one module's activation state.
type ToggleModuleRequest struct {
	Grant     string
	ModuleKey string
}

// ToggleModuleResponse reports the transition outcome.
type ToggleModuleResponse struct {
	Module       domain.ModuleDefinition
	Active       bool
	CascadeCount int
}

// ListAuditRecordsRequest pages through the tenant's transition log.
type ListAuditRecordsRequest struct {
	Grant     string
	PageSize  int
	PageToken string
}

// ListAuditRecordsResponse carries one page of audit records.
type ListAuditRecordsResponse struct {
	Records       []storage.AuditRecord
	NextPageToken string
}

// Service exposes module activation operations to the presentation shell.
type Service struct {
	engine ActivationEngine
	audits storage.AuditStore
	gate   Gate
	grants grant.Config
}

// NewService creates a modules service over the engine, audit log, and
// rate limiter.
func NewService(activation ActivationEngine, audits storage.AuditStore, gate Gate, grants grant.Config) *Service {
	return &Service{
		engine: activation,
		audits: audits,
		gate:   gate,
		grants: grants,
	}
}

// admit verifies the actor grant, stamps the verified identity into the
// context, and runs the rate limit gate for the endpoint. Every operation
// goes through here before touching the engine.
func (s *Service) admit(ctx context.Context, token string, endpoint string) (context.Context, grant.Claims, error) {
	claims, err := grant.Verify(token, s.grants)
	if err != nil {
		return ctx, grant.Claims{}, err
	}
	ctx = requestctx.WithActorID(ctx, claims.ActorID)
	ctx = requestctx.WithTenantID(ctx, claims.TenantID)
	if s.gate == nil {
		return ctx, claims, nil
	}
	decision, err := s.gate.Check(ctx, claims.ActorID, requestctx.ClientIPFromContext(ctx), endpoint)
	if err != nil {
		// The limiter already fails open on config trouble; an error here
		// means its own storage broke. Allow and log rather than turning
		// the gate into an outage.
		log.Printf("rate limit check on %s failed, allowing request: %v", endpoint, err)
		return ctx, claims, nil
	}
	if !decision.Allowed {
		metadata := map[string]string{"endpoint": endpoint}
		if !decision.ResetAt.IsZero() {
			metadata["reset_at"] = decision.ResetAt.UTC().Format(time.RFC3339)
		}
		if decision.Reason != "" {
			metadata["reason"] = decision.Reason
		}
		return ctx, grant.Claims{}, apperrors.WithMetadata(apperrors.CodeRateLimited,
			"too many requests on "+endpoint, metadata)
	}
	return ctx, claims, nil
}

// internalError logs an unexpected failure with enough context to
// reconstruct it and returns a generic internal error.
func internalError(operation string, tenantID string, detail string, err error) error {
	log.Printf("%s failed for tenant %s (%s): %v", operation, tenantID, detail, err)
	return apperrors.Wrap(apperrors.CodeInternal, operation+" failed", err)
}

// GetProjection returns the read-only module view for the actor's tenant.
// Any authenticated member of the tenant may call it.
func (s *Service) GetProjection(ctx context.Context, in GetProjectionRequest) (*GetProjectionResponse, error) {
	if s == nil || s.engine == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "modules service is not configured")
	}
	ctx, claims, err := s.admit(ctx, in.Grant, EndpointGetProjection)
	if err != nil {
		return nil, err
	}

	projections, err := s.engine.ProjectModuleStates(ctx, claims.TenantID)
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, internalError("get projection", claims.TenantID, "actor "+claims.ActorID, err)
	}
	return &GetProjectionResponse{Projections: projections}, nil
}

// ToggleModule flips one module for the actor's tenant. Requires the admin
// role; blocked deactivations and rate limit denials are expected outcomes,
// not failures.
func (s *Service) ToggleModule(ctx context.Context, in ToggleModuleRequest) (*ToggleModuleResponse, error) {
	if s == nil || s.engine == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "modules service is not configured")
	}
	ctx, claims, err := s.admit(ctx, in.Grant, EndpointToggleModule)
	if err != nil {
		return nil, err
	}
	if !claims.HasRole(grant.RoleAdmin) {
		return nil, apperrors.WithMetadata(apperrors.CodeForbidden,
			"module toggles require the admin role", map[string]string{
				"actor_id":  claims.ActorID,
				"tenant_id": claims.TenantID,
			})
	}

	result, err := s.engine.ToggleModule(ctx, claims.TenantID, claims.ActorID, in.ModuleKey)
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, internalError("toggle module", claims.TenantID, "module "+in.ModuleKey, err)
	}
	return &ToggleModuleResponse{
		Module:       result.Module,
		Active:       result.State.Active,
		CascadeCount: result.CascadeCount,
	}, nil
}

// ListAuditRecords pages through the tenant's transition log, oldest first.
// Requires the admin role.
func (s *Service) ListAuditRecords(ctx context.Context, in ListAuditRecordsRequest) (*ListAuditRecordsResponse, error) {
	if s == nil || s.audits == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "modules service is not configured")
	}
	ctx, claims, err := s.admit(ctx, in.Grant, EndpointListAudit)
	if err != nil {
		return nil, err
	}
	if !claims.HasRole(grant.RoleAdmin) {
		return nil, apperrors.WithMetadata(apperrors.CodeForbidden,
			"audit access requires the admin role", map[string]string{
				"actor_id":  claims.ActorID,
				"tenant_id": claims.TenantID,
			})
	}

	pageSize := pagination.ClampPageSize(int32(in.PageSize), listAuditPageSizes)
	page, err := s.audits.ListAuditRecords(ctx, claims.TenantID, pageSize, in.PageToken)
	if err != nil {
		return nil, internalError("list audit records", claims.TenantID, "page size "+strconv.Itoa(pageSize), err)
	}
	return &ListAuditRecordsResponse{
		Records:       page.Records,
		NextPageToken: page.NextPageToken,
	}, nil
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/palettehq/palette/internal/platform/errors"
	"github.com/palettehq/palette/internal/services/modules/domain"
	"github.com/palettehq/palette/internal/services/modules/storage"
	"github.com/palettehq/palette/internal/services/modules/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/modules.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedModule(t *testing.T, store *sqlite.Store, moduleID string, key string, name string) {
	t.Helper()
	err := store.PutModule(context.Background(), domain.ModuleDefinition{
		ID:   moduleID,
		Key:  key,
		Name: name,
	})
	if err != nil {
		t.Fatalf("seed module %s: %v", key, err)
	}
}

func seedEdge(t *testing.T, store *sqlite.Store, moduleID string, dependsOn string) {
	t.Helper()
	err := store.PutDependencyEdge(context.Background(), domain.DependencyEdge{
		ModuleID:          moduleID,
		DependsOnModuleID: dependsOn,
	})
	if err != nil {
		t.Fatalf("seed edge %s->%s: %v", moduleID, dependsOn, err)
	}
}

// newChainFixture seeds modules a, b, c where a depends on b and b depends
// on c, and returns an engine over the store.
func newChainFixture(t *testing.T) (*Engine, *sqlite.Store) {
	t.Helper()
	store := openStore(t)
	seedModule(t, store, "mod-a", "analytics", "Analytics")
	seedModule(t, store, "mod-b", "billing", "Billing")
	seedModule(t, store, "mod-c", "contacts", "Contacts")
	seedEdge(t, store, "mod-a", "mod-b")
	seedEdge(t, store, "mod-b", "mod-c")
	return New(store, store, store), store
}

func activeState(t *testing.T, store *sqlite.Store, tenantID string, moduleID string) bool {
	t.Helper()
	state, err := store.GetState(context.Background(), tenantID, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false
		}
		t.Fatalf("get state %s: %v", moduleID, err)
	}
	return state.Active
}

func listAudits(t *testing.T, store *sqlite.Store, tenantID string) []storage.AuditRecord {
	t.Helper()
	page, err := store.ListAuditRecords(context.Background(), tenantID, 50, "")
	if err != nil {
		t.Fatalf("list audit records: %v", err)
	}
	return page.Records
}

func TestToggleActivatesTransitiveDependencies(t *testing.T) {
	eng, store := newChainFixture(t)

	result, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics")
	if err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	if !result.Activated {
		t.Fatal("expected activation")
	}
	if result.CascadeCount != 2 {
		t.Fatalf("cascade count = %d, want 2", result.CascadeCount)
	}
	if !result.State.Active {
		t.Fatal("expected root module active")
	}
	for _, moduleID := range []string{"mod-a", "mod-b", "mod-c"} {
		if !activeState(t, store, "tenant-1", moduleID) {
			t.Fatalf("expected %s active", moduleID)
		}
	}

	audits := listAudits(t, store, "tenant-1")
	if len(audits) != 3 {
		t.Fatalf("audit records = %d, want 3", len(audits))
	}
	var activated, cascaded int
	for _, record := range audits {
		switch record.Action {
		case domain.AuditActivated:
			activated++
			if record.ModuleID != "mod-a" {
				t.Fatalf("ACTIVATED record for %s, want mod-a", record.ModuleID)
			}
			if record.TriggeredByModuleKey != "" {
				t.Fatalf("root record should not carry a trigger, got %q", record.TriggeredByModuleKey)
			}
		case domain.AuditActivatedCascade:
			cascaded++
			if record.TriggeredByModuleKey != "analytics" {
				t.Fatalf("cascade trigger = %q, want analytics", record.TriggeredByModuleKey)
			}
		default:
			t.Fatalf("unexpected action %s", record.Action)
		}
		if record.ActorID != "actor-1" {
			t.Fatalf("actor = %q, want actor-1", record.ActorID)
		}
	}
	if activated != 1 || cascaded != 2 {
		t.Fatalf("activated=%d cascaded=%d, want 1 and 2", activated, cascaded)
	}
}

func TestCascadeSkipsAlreadyActiveDependencies(t *testing.T) {
	eng, store := newChainFixture(t)

	// Activate contacts first; activating analytics later must not touch it.
	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "contacts"); err != nil {
		t.Fatalf("toggle contacts: %v", err)
	}
	before, err := store.GetState(context.Background(), "tenant-1", "mod-c")
	if err != nil {
		t.Fatalf("get contacts state: %v", err)
	}

	result, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics")
	if err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	if result.CascadeCount != 1 {
		t.Fatalf("cascade count = %d, want 1", result.CascadeCount)
	}
	after, err := store.GetState(context.Background(), "tenant-1", "mod-c")
	if err != nil {
		t.Fatalf("get contacts state: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("already-active dependency should not be rewritten")
	}
}

func TestComputeCascadeIsIdempotentForActiveModule(t *testing.T) {
	eng, _ := newChainFixture(t)

	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics"); err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	cascade, err := eng.ComputeCascadeActivation(context.Background(), "tenant-1", "mod-a")
	if err != nil {
		t.Fatalf("compute cascade: %v", err)
	}
	if len(cascade) != 0 {
		t.Fatalf("cascade = %v, want empty", cascade)
	}
}

func TestComputeCascadeTerminatesOnCycle(t *testing.T) {
	store := openStore(t)
	seedModule(t, store, "mod-a", "alpha", "Alpha")
	seedModule(t, store, "mod-b", "beta", "Beta")
	seedModule(t, store, "mod-c", "gamma", "Gamma")
	seedEdge(t, store, "mod-a", "mod-b")
	seedEdge(t, store, "mod-b", "mod-c")
	seedEdge(t, store, "mod-c", "mod-a")
	eng := New(store, store, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cascade, err := eng.ComputeCascadeActivation(ctx, "tenant-1", "mod-a")
	if err != nil {
		t.Fatalf("compute cascade: %v", err)
	}
	if len(cascade) != 2 {
		t.Fatalf("cascade = %v, want {mod-b, mod-c}", cascade)
	}
	for _, moduleID := range []string{"mod-b", "mod-c"} {
		if _, ok := cascade[moduleID]; !ok {
			t.Fatalf("cascade missing %s: %v", moduleID, cascade)
		}
	}
}

func TestToggleBlocksDeactivationWithActiveDependent(t *testing.T) {
	eng, store := newChainFixture(t)

	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics"); err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	auditsBefore := len(listAudits(t, store, "tenant-1"))

	_, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "billing")
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if appErr.Code != apperrors.CodeBlockingDependencies {
		t.Fatalf("code = %s, want %s", appErr.Code, apperrors.CodeBlockingDependencies)
	}
	if appErr.Metadata["blocking_modules"] != "Analytics" {
		t.Fatalf("blocking modules = %q, want Analytics", appErr.Metadata["blocking_modules"])
	}
	if !activeState(t, store, "tenant-1", "mod-b") {
		t.Fatal("billing must stay active after refused deactivation")
	}
	if got := len(listAudits(t, store, "tenant-1")); got != auditsBefore {
		t.Fatalf("audit records = %d, want %d (refusal must not audit)", got, auditsBefore)
	}
}

func TestToggleDeactivationLeavesDependenciesActive(t *testing.T) {
	eng, store := newChainFixture(t)

	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics"); err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	result, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics")
	if err != nil {
		t.Fatalf("toggle analytics off: %v", err)
	}
	if result.Activated {
		t.Fatal("expected deactivation")
	}
	if result.State.Active {
		t.Fatal("expected analytics inactive")
	}
	// Dependencies are sticky: billing and contacts remain active.
	if !activeState(t, store, "tenant-1", "mod-b") || !activeState(t, store, "tenant-1", "mod-c") {
		t.Fatal("deactivation must not cascade to dependencies")
	}

	audits := listAudits(t, store, "tenant-1")
	last := audits[len(audits)-1]
	if last.Action != domain.AuditDeactivated || last.ModuleID != "mod-a" {
		t.Fatalf("last audit = %s %s, want DEACTIVATED mod-a", last.Action, last.ModuleID)
	}
}

func TestToggleUnknownModuleKey(t *testing.T) {
	eng, _ := newChainFixture(t)

	_, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "no-such-module")
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if appErr.Code != apperrors.CodeModuleNotFound {
		t.Fatalf("code = %s, want %s", appErr.Code, apperrors.CodeModuleNotFound)
	}
}

func TestToggleLazilySubscribes(t *testing.T) {
	eng, store := newChainFixture(t)

	if _, err := store.GetState(context.Background(), "tenant-1", "mod-c"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no state row before first toggle, got %v", err)
	}
	result, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "contacts")
	if err != nil {
		t.Fatalf("toggle contacts: %v", err)
	}
	if !result.State.Active {
		t.Fatal("expected contacts active")
	}
}

func TestToggleRollsBackWhenAuditAppendFails(t *testing.T) {
	eng, store := newChainFixture(t)

	// Colliding audit ids make the cascade's audit insert fail mid-batch;
	// the whole transition must roll back.
	eng.newID = func() (string, error) { return "fixed-audit-id", nil }

	_, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics")
	if err == nil {
		t.Fatal("expected toggle to fail")
	}
	for _, moduleID := range []string{"mod-a", "mod-b", "mod-c"} {
		if activeState(t, store, "tenant-1", moduleID) {
			t.Fatalf("expected %s inactive after rollback", moduleID)
		}
	}
	if got := len(listAudits(t, store, "tenant-1")); got != 0 {
		t.Fatalf("audit records = %d, want 0 after rollback", got)
	}
}

func TestProjectionUsesShallowDependencyChecks(t *testing.T) {
	eng, _ := newChainFixture(t)

	// Activate billing's own dependency so analytics has exactly one unmet
	// direct dependency whose transitive needs are satisfied.
	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "contacts"); err != nil {
		t.Fatalf("toggle contacts: %v", err)
	}

	projections, err := eng.ProjectModuleStates(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("project module states: %v", err)
	}
	byKey := make(map[string]ModuleProjection, len(projections))
	for _, projection := range projections {
		byKey[projection.Module.Key] = projection
	}

	analytics := byKey["analytics"]
	if analytics.CanActivate {
		t.Fatal("analytics has an inactive direct dependency, CanActivate must be false")
	}
	if len(analytics.UnmetDependencies) != 1 || analytics.UnmetDependencies[0].Key != "billing" {
		t.Fatalf("unmet dependencies = %+v, want exactly billing", analytics.UnmetDependencies)
	}
	if analytics.IsSubscribed || analytics.IsActive {
		t.Fatal("analytics should be unsubscribed and inactive")
	}

	billing := byKey["billing"]
	if !billing.CanActivate {
		t.Fatal("billing's only dependency is active, CanActivate must be true")
	}
	if billing.IsSubscribed {
		t.Fatal("billing has no state row yet")
	}

	contacts := byKey["contacts"]
	if !contacts.IsSubscribed || !contacts.IsActive {
		t.Fatal("contacts should be subscribed and active")
	}
	if !contacts.CanDeactivate {
		t.Fatal("no active module depends on contacts yet")
	}
}

func TestProjectionReportsBlockingDependents(t *testing.T) {
	eng, _ := newChainFixture(t)

	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics"); err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	projections, err := eng.ProjectModuleStates(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("project module states: %v", err)
	}
	for _, projection := range projections {
		if projection.Module.Key != "billing" {
			continue
		}
		if projection.CanDeactivate {
			t.Fatal("billing has an active dependent, CanDeactivate must be false")
		}
		if len(projection.BlockingDependents) != 1 || projection.BlockingDependents[0].Key != "analytics" {
			t.Fatalf("blocking dependents = %+v, want exactly analytics", projection.BlockingDependents)
		}
	}
}

func TestProjectionsAreTenantScoped(t *testing.T) {
	eng, _ := newChainFixture(t)

	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "contacts"); err != nil {
		t.Fatalf("toggle contacts: %v", err)
	}
	projections, err := eng.ProjectModuleStates(context.Background(), "tenant-2")
	if err != nil {
		t.Fatalf("project module states: %v", err)
	}
	for _, projection := range projections {
		if projection.IsSubscribed || projection.IsActive {
			t.Fatalf("tenant-2 should have no state, got %+v", projection)
		}
	}
}

func TestCheckDeactivationBlockersIsReadOnly(t *testing.T) {
	eng, store := newChainFixture(t)

	if _, err := eng.ToggleModule(context.Background(), "tenant-1", "actor-1", "analytics"); err != nil {
		t.Fatalf("toggle analytics: %v", err)
	}
	blockers, err := eng.CheckDeactivationBlockers(context.Background(), "tenant-1", "mod-b")
	if err != nil {
		t.Fatalf("check blockers: %v", err)
	}
	if len(blockers) != 1 || blockers[0].Key != "analytics" {
		t.Fatalf("blockers = %+v, want exactly analytics", blockers)
	}
	if got := len(listAudits(t, store, "tenant-1")); got != 3 {
		t.Fatalf("audit records = %d, want 3 (check must not write)", got)
	}
}

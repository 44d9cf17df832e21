package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/palettehq/palette/internal/services/modules/domain"
	"github.com/palettehq/palette/internal/services/modules/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/modules.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestModuleRoundTrip(t *testing.T) {
	store := openTestStore(t)

	module := domain.ModuleDefinition{
		ID:          "mod-1",
		Key:         "billing",
		Name:        "Billing",
		Category:    "finance",
		Description: "Invoices and payments",
		Icon:        "credit-card",
	}
	if err := store.PutModule(context.Background(), module); err != nil {
		t.Fatalf("put module: %v", err)
	}

	byKey, err := store.GetModuleByKey(context.Background(), "billing")
	if err != nil {
		t.Fatalf("get module by key: %v", err)
	}
	if byKey != module {
		t.Fatalf("module by key = %+v, want %+v", byKey, module)
	}
	byID, err := store.GetModuleByID(context.Background(), "mod-1")
	if err != nil {
		t.Fatalf("get module by id: %v", err)
	}
	if byID != module {
		t.Fatalf("module by id = %+v, want %+v", byID, module)
	}

	if _, err := store.GetModuleByKey(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutModuleValidates(t *testing.T) {
	store := openTestStore(t)
	err := store.PutModule(context.Background(), domain.ModuleDefinition{ID: "mod-1", Name: "No Key"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestListModulesOrdering(t *testing.T) {
	store := openTestStore(t)
	modules := []domain.ModuleDefinition{
		{ID: "mod-1", Key: "zeta", Name: "Zeta", Category: "ops"},
		{ID: "mod-2", Key: "alpha", Name: "Alpha", Category: "finance"},
		{ID: "mod-3", Key: "beta", Name: "Beta", Category: "finance"},
	}
	for _, module := range modules {
		if err := store.PutModule(context.Background(), module); err != nil {
			t.Fatalf("put module: %v", err)
		}
	}

	listed, err := store.ListModules(context.Background())
	if err != nil {
		t.Fatalf("list modules: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed = %d, want 3", len(listed))
	}
	wantOrder := []string{"alpha", "beta", "zeta"}
	for i, key := range wantOrder {
		if listed[i].Key != key {
			t.Fatalf("listed[%d].Key = %q, want %q", i, listed[i].Key, key)
		}
	}
}

func TestDependencyEdgesDeduplicated(t *testing.T) {
	store := openTestStore(t)
	edge := domain.DependencyEdge{ModuleID: "mod-a", DependsOnModuleID: "mod-b"}
	for i := 0; i < 3; i++ {
		if err := store.PutDependencyEdge(context.Background(), edge); err != nil {
			t.Fatalf("put edge: %v", err)
		}
	}

	edges, err := store.ListDependencyEdges(context.Background())
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1 after dedupe", len(edges))
	}

	deps, err := store.Dependencies(context.Background(), "mod-a")
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != "mod-b" {
		t.Fatalf("dependencies = %v, want [mod-b]", deps)
	}
	reverse, err := store.ReverseDependencies(context.Background(), "mod-b")
	if err != nil {
		t.Fatalf("reverse dependencies: %v", err)
	}
	if len(reverse) != 1 || reverse[0] != "mod-a" {
		t.Fatalf("reverse dependencies = %v, want [mod-a]", reverse)
	}
}

func TestGetOrCreateStateDefaultsInactive(t *testing.T) {
	store := openTestStore(t)

	state, err := store.GetOrCreateState(context.Background(), "tenant-1", "mod-a")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if state.Active {
		t.Fatal("lazily created state must be inactive")
	}
	if state.TenantID != "tenant-1" || state.ModuleID != "mod-a" {
		t.Fatalf("unexpected state %+v", state)
	}

	// A second call must not reset an activated row.
	err = store.ApplyTransition(context.Background(), storage.StateTransition{
		TenantID: "tenant-1",
		Activate: []string{"mod-a"},
	})
	if err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	again, err := store.GetOrCreateState(context.Background(), "tenant-1", "mod-a")
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if !again.Active {
		t.Fatal("get or create must not reset active state")
	}
}

func TestApplyTransitionAtomicity(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

	good := storage.AuditRecord{
		ID:       "audit-1",
		TenantID: "tenant-1",
		ActorID:  "actor-1",
		ModuleID: "mod-a",
		Action:   domain.AuditActivated,
	}
	if err := store.ApplyTransition(context.Background(), storage.StateTransition{
		TenantID:  "tenant-1",
		Activate:  []string{"mod-a"},
		Audits:    []storage.AuditRecord{good},
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("apply transition: %v", err)
	}

	// Duplicate audit id fails the batch; the state write must roll back too.
	err := store.ApplyTransition(context.Background(), storage.StateTransition{
		TenantID:  "tenant-1",
		Activate:  []string{"mod-b"},
		Audits:    []storage.AuditRecord{good},
		UpdatedAt: now,
	})
	if err == nil {
		t.Fatal("expected duplicate audit id to fail")
	}
	if _, err := store.GetState(context.Background(), "tenant-1", "mod-b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected mod-b untouched after rollback, got %v", err)
	}

	state, err := store.GetState(context.Background(), "tenant-1", "mod-a")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.Active {
		t.Fatal("expected mod-a active")
	}
	if !state.UpdatedAt.Equal(now) {
		t.Fatalf("updated at = %v, want %v", state.UpdatedAt, now)
	}
}

func TestApplyTransitionRejectsInvalidAction(t *testing.T) {
	store := openTestStore(t)
	err := store.ApplyTransition(context.Background(), storage.StateTransition{
		TenantID: "tenant-1",
		Audits: []storage.AuditRecord{{
			ID:       "audit-1",
			TenantID: "tenant-1",
			ModuleID: "mod-a",
			Action:   domain.AuditAction("EXPLODED"),
		}},
	})
	if err == nil {
		t.Fatal("expected invalid action to be rejected")
	}
}

func TestListAuditRecordsPagination(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	var audits []storage.AuditRecord
	for i := 0; i < 5; i++ {
		audits = append(audits, storage.AuditRecord{
			ID:        "audit-" + string(rune('a'+i)),
			TenantID:  "tenant-1",
			ActorID:   "actor-1",
			ModuleID:  "mod-a",
			Action:    domain.AuditActivated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := store.ApplyTransition(context.Background(), storage.StateTransition{
		TenantID: "tenant-1",
		Audits:   audits,
	}); err != nil {
		t.Fatalf("apply transition: %v", err)
	}

	first, err := store.ListAuditRecords(context.Background(), "tenant-1", 2, "")
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(first.Records) != 2 || first.NextPageToken == "" {
		t.Fatalf("page 1 = %d records, token %q", len(first.Records), first.NextPageToken)
	}
	second, err := store.ListAuditRecords(context.Background(), "tenant-1", 2, first.NextPageToken)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second.Records) != 2 || second.NextPageToken == "" {
		t.Fatalf("page 2 = %d records, token %q", len(second.Records), second.NextPageToken)
	}
	third, err := store.ListAuditRecords(context.Background(), "tenant-1", 2, second.NextPageToken)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(third.Records) != 1 || third.NextPageToken != "" {
		t.Fatalf("page 3 = %d records, token %q", len(third.Records), third.NextPageToken)
	}

	seen := make(map[string]struct{})
	for _, page := range [][]storage.AuditRecord{first.Records, second.Records, third.Records} {
		for _, record := range page {
			if _, ok := seen[record.ID]; ok {
				t.Fatalf("record %s appeared twice", record.ID)
			}
			seen[record.ID] = struct{}{}
		}
	}
	if len(seen) != 5 {
		t.Fatalf("records seen = %d, want 5", len(seen))
	}
}

func TestListAuditRecordsRejectsMalformedToken(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.ListAuditRecords(context.Background(), "tenant-1", 10, "garbage"); err == nil {
		t.Fatal("expected malformed token error")
	}
}

func TestStatesAreTenantScoped(t *testing.T) {
	store := openTestStore(t)
	if err := store.ApplyTransition(context.Background(), storage.StateTransition{
		TenantID: "tenant-1",
		Activate: []string{"mod-a"},
	}); err != nil {
		t.Fatalf("apply transition: %v", err)
	}

	states, err := store.ListStates(context.Background(), "tenant-2")
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("tenant-2 states = %d, want 0", len(states))
	}
}

package catalogimporter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/palettehq/palette/internal/platform/id"
	"github.com/palettehq/palette/internal/services/modules/domain"
	"github.com/palettehq/palette/internal/services/modules/storage"
)

// upsertCatalog writes the validated catalog into the store. Module ids are
// stable across re-imports: an existing key keeps its id, a new key gets a
// fresh one. Edges are resolved from keys to ids after every module exists.
func upsertCatalog(ctx context.Context, store storage.CatalogStore, payload catalogPayload) (int, int, error) {
	idsByKey := make(map[string]string, len(payload.Modules))

	for _, record := range payload.Modules {
		key := strings.TrimSpace(record.Key)
		moduleID, err := resolveModuleID(ctx, store, key)
		if err != nil {
			return 0, 0, err
		}
		module := domain.ModuleDefinition{
			ID:          moduleID,
			Key:         key,
			Name:        strings.TrimSpace(record.Name),
			Category:    record.Category,
			Description: record.Description,
			Icon:        record.Icon,
		}
		if err := store.PutModule(ctx, module); err != nil {
			return 0, 0, fmt.Errorf("put module %s: %w", key, err)
		}
		idsByKey[key] = moduleID
	}

	edges := make([]domain.DependencyEdge, 0, len(payload.Dependencies))
	for _, record := range payload.Dependencies {
		edges = append(edges, domain.DependencyEdge{
			ModuleID:          idsByKey[strings.TrimSpace(record.Module)],
			DependsOnModuleID: idsByKey[strings.TrimSpace(record.DependsOn)],
		})
	}
	edges = domain.DedupeEdges(edges)
	for _, edge := range edges {
		if err := store.PutDependencyEdge(ctx, edge); err != nil {
			return 0, 0, fmt.Errorf("put dependency edge: %w", err)
		}
	}
	return len(payload.Modules), len(edges), nil
}

func resolveModuleID(ctx context.Context, store storage.CatalogStore, key string) (string, error) {
	existing, err := store.GetModuleByKey(ctx, key)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("look up module %s: %w", key, err)
	}
	moduleID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate module id: %w", err)
	}
	return moduleID, nil
}

package catalogimporter

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/palettehq/palette/internal/platform/errors"
	"github.com/palettehq/palette/internal/services/modules/domain"
)

// catalogPayload is the on-disk catalog format: the full module list plus
// its dependency edges, both keyed by module key.
type catalogPayload struct {
	Modules      []moduleRecord     `json:"modules"`
	Dependencies []dependencyRecord `json:"dependencies"`
}

type moduleRecord struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type dependencyRecord struct {
	Module    string `json:"module"`
	DependsOn string `json:"depends_on"`
}

func readCatalogFile(path string) (catalogPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return catalogPayload{}, fmt.Errorf("read catalog file: %w", err)
	}
	var payload catalogPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return catalogPayload{}, fmt.Errorf("parse catalog file: %w", err)
	}
	return payload, nil
}

// validateCatalog rejects catalogs the activation engine could not serve
// correctly: duplicate or empty keys, edges naming unknown modules,
// self-dependencies, and dependency cycles.
func validateCatalog(payload catalogPayload) error {
	if len(payload.Modules) == 0 {
		return fmt.Errorf("catalog has no modules")
	}

	keys := make(map[string]struct{}, len(payload.Modules))
	for _, module := range payload.Modules {
		definition := domain.ModuleDefinition{
			Key:         strings.TrimSpace(module.Key),
			Name:        strings.TrimSpace(module.Name),
			Category:    module.Category,
			Description: module.Description,
			Icon:        module.Icon,
		}
		if err := definition.Validate(); err != nil {
			return err
		}
		if _, ok := keys[definition.Key]; ok {
			return fmt.Errorf("duplicate module key %q", definition.Key)
		}
		keys[definition.Key] = struct{}{}
	}

	edges := make([]domain.DependencyEdge, 0, len(payload.Dependencies))
	for _, dependency := range payload.Dependencies {
		from := strings.TrimSpace(dependency.Module)
		to := strings.TrimSpace(dependency.DependsOn)
		if _, ok := keys[from]; !ok {
			return apperrors.WithMetadata(apperrors.CodeDependencyDangling,
				"dependency names an unknown module", map[string]string{"module_key": from})
		}
		if _, ok := keys[to]; !ok {
			return apperrors.WithMetadata(apperrors.CodeDependencyDangling,
				"dependency names an unknown module", map[string]string{"module_key": to})
		}
		if from == to {
			return apperrors.WithMetadata(apperrors.CodeDependencySelfEdge,
				"module cannot depend on itself", map[string]string{"module_key": from})
		}
		edges = append(edges, domain.DependencyEdge{ModuleID: from, DependsOnModuleID: to})
	}

	if cycle, found := domain.DetectCycle(edges); found {
		return apperrors.WithMetadata(apperrors.CodeDependencyCycle,
			"catalog contains a dependency cycle", map[string]string{
				"cycle": strings.Join(cycle, " -> "),
			})
	}
	return nil
}

// Package domain defines the module catalog model and dependency graph
// contracts for the activation engine.
package domain

import (
	"strings"

	apperrors "github.com/palettehq/palette/internal/platform/errors"
)

// ModuleDefinition describes one optional feature module in the catalog.
// Definitions are immutable from the engine's perspective; catalog
// management owns their editorial content.
type ModuleDefinition struct {
	ID          string
	Key         string
	Name        string
	Category    string
	Description string
	Icon        string
}

// Validate checks the fields the engine relies on.
func (m ModuleDefinition) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return apperrors.New(apperrors.CodeModuleKeyEmpty, "module key is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return apperrors.WithMetadata(apperrors.CodeModuleNameEmpty, "module name is required", map[string]string{
			"module_key": m.Key,
		})
	}
	return nil
}

// DependencyEdge is one directed dependency: ModuleID depends on
// DependsOnModuleID. Storage carries no uniqueness constraint, so readers
// de-duplicate defensively.
type DependencyEdge struct {
	ModuleID          string
	DependsOnModuleID string
}

package services

import (
	"context"

	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/tools"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// ValidationRegistry combines the model catalog and tool registry into the
// single resolver topology validation consults.
type ValidationRegistry struct {
	catalog *CatalogService
	tools   *tools.Registry
}

var _ topology.Registry = (*ValidationRegistry)(nil)

// NewValidationRegistry creates a validation registry.
func NewValidationRegistry(catalog *CatalogService, toolRegistry *tools.Registry) *ValidationRegistry {
	return &ValidationRegistry{catalog: catalog, tools: toolRegistry}
}

// HasModel reports whether a model reference resolves in the catalog.
func (r *ValidationRegistry) HasModel(ctx context.Context, ref models.ModelRef) (bool, error) {
	return r.catalog.HasModel(ctx, ref)
}

// HasTool reports whether a tool name is registered.
func (r *ValidationRegistry) HasTool(_ context.Context, name string) (bool, error) {
	return r.tools.Has(name), nil
}

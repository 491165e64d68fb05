package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/aiops-hub/maestro/pkg/models"
)

// Catalog is the read-only provider/model/credential lookup the registry
// resolves against. Implemented by the catalog service.
type Catalog interface {
	ProviderByTag(ctx context.Context, tag string) (*models.Provider, error)
	ModelByRef(ctx context.Context, providerTag, modelID string) (*models.LLMModel, error)
	ActiveAPIKey(ctx context.Context, providerID string) (key string, credentialID string, err error)
}

// Registry resolves model references to ready clients. Providers with
// multiple base URLs are rotated round-robin per resolution; constructed
// clients are cached per (provider, credential, endpoint).
type Registry struct {
	catalog Catalog

	mu      sync.Mutex
	rrIndex map[string]int
	cache   map[string]Client
}

// NewRegistry creates an empty registry over the catalog.
func NewRegistry(catalog Catalog) *Registry {
	return &Registry{
		catalog: catalog,
		rrIndex: make(map[string]int),
		cache:   make(map[string]Client),
	}
}

// Resolve returns a client for the referenced model. The model must exist,
// be enabled, and its provider must hold an active credential.
func (r *Registry) Resolve(ctx context.Context, providerTag, modelID string) (Client, error) {
	provider, err := r.catalog.ProviderByTag(ctx, providerTag)
	if err != nil {
		return nil, fmt.Errorf("resolving provider %q: %w", providerTag, err)
	}
	model, err := r.catalog.ModelByRef(ctx, providerTag, modelID)
	if err != nil {
		return nil, fmt.Errorf("resolving model %q/%q: %w", providerTag, modelID, err)
	}
	if !model.Enabled {
		return nil, fmt.Errorf("model %q/%q is disabled", providerTag, modelID)
	}
	key, credentialID, err := r.catalog.ActiveAPIKey(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving credential for provider %q: %w", providerTag, err)
	}
	baseURL := r.nextBaseURL(provider)

	cacheKey := provider.Tag + "|" + credentialID + "|" + baseURL
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.cache[cacheKey]; ok {
		return client, nil
	}
	var client Client
	switch provider.Kind {
	case models.ProviderKindAnthropic:
		client = NewAnthropicClient(key, baseURL)
	case models.ProviderKindOpenAI:
		client = NewOpenAIClient(key, baseURL)
	default:
		return nil, fmt.Errorf("provider %q has unsupported kind %q", providerTag, provider.Kind)
	}
	r.cache[cacheKey] = client
	return client, nil
}

// nextBaseURL rotates across the provider's endpoints for fair
// distribution. Providers without explicit endpoints use the SDK default.
func (r *Registry) nextBaseURL(provider *models.Provider) string {
	if len(provider.BaseURLs) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.rrIndex[provider.Tag] % len(provider.BaseURLs)
	r.rrIndex[provider.Tag] = (i + 1) % len(provider.BaseURLs)
	return provider.BaseURLs[i]
}

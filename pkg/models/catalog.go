package models

import "time"

// ProviderKind selects the wire protocol used to talk to a provider.
type ProviderKind string

const (
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindOpenAI    ProviderKind = "openai"
)

// ValidProviderKinds lists the accepted provider kinds.
var ValidProviderKinds = []ProviderKind{ProviderKindAnthropic, ProviderKindOpenAI}

// Provider is an LLM backend registered in the catalog. Tag is the stable
// key topologies reference; BaseURLs holds one or more endpoints that are
// rotated round-robin per request.
type Provider struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Tag       string       `json:"tag"`
	Kind      ProviderKind `json:"kind"`
	BaseURLs  []string     `json:"base_urls,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// LLMModel is a model offered by a provider. ModelID is the provider-side
// identifier sent on the wire.
type LLMModel struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	ModelID     string    `json:"model_id"`
	DisplayName string    `json:"display_name,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credential is an API key for a provider. The key itself is stored
// encrypted and never leaves the service; KeyHint carries the last four
// characters for identification.
type Credential struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Alias      string    `json:"alias,omitempty"`
	KeyHint    string    `json:"api_key_hint"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateProviderRequest is the payload for registering a provider.
type CreateProviderRequest struct {
	Name     string       `json:"name"`
	Tag      string       `json:"tag"`
	Kind     ProviderKind `json:"kind"`
	BaseURLs []string     `json:"base_urls,omitempty"`
}

// UpdateProviderRequest carries partial provider updates; nil fields are
// left unchanged.
type UpdateProviderRequest struct {
	Name     *string   `json:"name,omitempty"`
	BaseURLs *[]string `json:"base_urls,omitempty"`
}

// CreateModelRequest is the payload for registering a model under a provider.
type CreateModelRequest struct {
	ModelID     string `json:"model_id"`
	DisplayName string `json:"display_name,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// UpdateModelRequest carries partial model updates; nil fields are left
// unchanged.
type UpdateModelRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	MaxTokens   *int    `json:"max_tokens,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// CreateCredentialRequest is the payload for storing a provider API key.
// APIKey is accepted on input only and never echoed back.
type CreateCredentialRequest struct {
	Alias  string `json:"alias,omitempty"`
	APIKey string `json:"api_key"`
}

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/secrets"
)

// CatalogService manages the provider/model/credential catalog. API keys
// are encrypted at rest and only ever leave this service to construct LLM
// clients; reads expose the hint.
type CatalogService struct {
	db     *sql.DB
	cipher *secrets.Cipher
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(db *sql.DB, cipher *secrets.Cipher) *CatalogService {
	return &CatalogService{db: db, cipher: cipher}
}

// CreateProvider registers a new LLM provider.
func (s *CatalogService) CreateProvider(ctx context.Context, req models.CreateProviderRequest) (*models.Provider, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.Tag == "" {
		return nil, NewValidationError("tag", "required")
	}
	if !validProviderKind(req.Kind) {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown kind %q", req.Kind))
	}

	now := time.Now().UTC()
	provider := &models.Provider{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Tag:       req.Tag,
		Kind:      req.Kind,
		BaseURLs:  req.BaseURLs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	urlsJSON, err := json.Marshal(provider.BaseURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal base urls: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, tag, kind, base_urls, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		provider.ID, provider.Name, provider.Tag, provider.Kind, urlsJSON,
		provider.CreatedAt, provider.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return provider, nil
}

// GetProvider retrieves a provider by ID.
func (s *CatalogService) GetProvider(ctx context.Context, providerID string) (*models.Provider, error) {
	row := s.db.QueryRowContext(ctx, providerSelect+` WHERE id = $1`, providerID)
	return scanProvider(row)
}

// ProviderByTag retrieves a provider by its tag, the key topologies use.
func (s *CatalogService) ProviderByTag(ctx context.Context, tag string) (*models.Provider, error) {
	row := s.db.QueryRowContext(ctx, providerSelect+` WHERE tag = $1`, tag)
	return scanProvider(row)
}

// ListProviders returns all registered providers, oldest first.
func (s *CatalogService) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, providerSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	providers := []*models.Provider{}
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// UpdateProvider applies a partial update.
func (s *CatalogService) UpdateProvider(ctx context.Context, providerID string, req models.UpdateProviderRequest) (*models.Provider, error) {
	if req.Name != nil && *req.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	provider, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		provider.Name = *req.Name
	}
	if req.BaseURLs != nil {
		provider.BaseURLs = *req.BaseURLs
	}
	provider.UpdatedAt = time.Now().UTC()

	urlsJSON, err := json.Marshal(provider.BaseURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal base urls: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE providers SET name = $2, base_urls = $3, updated_at = $4 WHERE id = $1`,
		provider.ID, provider.Name, urlsJSON, provider.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to update provider: %w", err)
	}
	return provider, nil
}

// DeleteProvider removes a provider and, by cascade, its models and
// credentials.
func (s *CatalogService) DeleteProvider(ctx context.Context, providerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateModel registers a model under a provider.
func (s *CatalogService) CreateModel(ctx context.Context, providerID string, req models.CreateModelRequest) (*models.LLMModel, error) {
	if req.ModelID == "" {
		return nil, NewValidationError("model_id", "required")
	}
	if req.MaxTokens < 0 {
		return nil, NewValidationError("max_tokens", "must be non-negative")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	model := &models.LLMModel{
		ID:          uuid.New().String(),
		ProviderID:  providerID,
		ModelID:     req.ModelID,
		DisplayName: req.DisplayName,
		MaxTokens:   req.MaxTokens,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, provider_id, model_id, display_name, max_tokens, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		model.ID, model.ProviderID, model.ModelID, model.DisplayName,
		model.MaxTokens, model.Enabled, model.CreatedAt, model.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create model: %w", err)
	}
	return model, nil
}

// ListModels returns a provider's models, oldest first.
func (s *CatalogService) ListModels(ctx context.Context, providerID string) ([]*models.LLMModel, error) {
	rows, err := s.db.QueryContext(ctx, modelSelect+` WHERE provider_id = $1 ORDER BY created_at ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	list := []*models.LLMModel{}
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return list, nil
}

// UpdateModel applies a partial update, typically toggling enabled.
func (s *CatalogService) UpdateModel(ctx context.Context, modelID string, req models.UpdateModelRequest) (*models.LLMModel, error) {
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return nil, NewValidationError("max_tokens", "must be non-negative")
	}

	row := s.db.QueryRowContext(ctx, modelSelect+` WHERE id = $1`, modelID)
	model, err := scanModel(row)
	if err != nil {
		return nil, err
	}
	if req.DisplayName != nil {
		model.DisplayName = *req.DisplayName
	}
	if req.MaxTokens != nil {
		model.MaxTokens = *req.MaxTokens
	}
	if req.Enabled != nil {
		model.Enabled = *req.Enabled
	}
	model.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE models SET display_name = $2, max_tokens = $3, enabled = $4, updated_at = $5
		WHERE id = $1`,
		model.ID, model.DisplayName, model.MaxTokens, model.Enabled, model.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update model: %w", err)
	}
	return model, nil
}

// ModelByRef resolves (provider tag, model id) to a catalog model.
func (s *CatalogService) ModelByRef(ctx context.Context, providerTag, modelID string) (*models.LLMModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.provider_id, m.model_id, m.display_name, m.max_tokens, m.enabled, m.created_at, m.updated_at
		FROM models m
		JOIN providers p ON p.id = m.provider_id
		WHERE p.tag = $1 AND m.model_id = $2`, providerTag, modelID)
	return scanModel(row)
}

// HasModel reports whether a model_ref resolves to an enabled catalog
// model. Disabled models fail resolution so topology validation catches
// them before an execution does.
func (s *CatalogService) HasModel(ctx context.Context, ref models.ModelRef) (bool, error) {
	model, err := s.ModelByRef(ctx, ref.Provider, ref.ModelID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return model.Enabled, nil
}

// CreateCredential encrypts and stores a provider API key.
func (s *CatalogService) CreateCredential(ctx context.Context, providerID string, req models.CreateCredentialRequest) (*models.Credential, error) {
	if req.APIKey == "" {
		return nil, NewValidationError("api_key", "required")
	}

	encrypted, err := s.cipher.Encrypt(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt api key: %w", err)
	}

	now := time.Now().UTC()
	cred := &models.Credential{
		ID:         uuid.New().String(),
		ProviderID: providerID,
		Alias:      req.Alias,
		KeyHint:    secrets.KeyHint(req.APIKey),
		IsActive:   true,
		CreatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, provider_id, alias, api_key_encrypted, api_key_hint, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cred.ID, cred.ProviderID, cred.Alias, encrypted, cred.KeyHint, cred.IsActive, now, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return cred, nil
}

// ListCredentials returns a provider's credentials, hints only.
func (s *CatalogService) ListCredentials(ctx context.Context, providerID string) ([]*models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, alias, api_key_hint, is_active, created_at
		FROM credentials WHERE provider_id = $1 ORDER BY created_at ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*models.Credential{}
	for rows.Next() {
		var cred models.Credential
		if err := rows.Scan(&cred.ID, &cred.ProviderID, &cred.Alias, &cred.KeyHint,
			&cred.IsActive, &cred.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, &cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// DeleteCredential removes a credential. The last active credential of a
// provider cannot be deleted; that would strand every topology referencing
// the provider.
func (s *CatalogService) DeleteCredential(ctx context.Context, credentialID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		providerID string
		isActive   bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT provider_id, is_active FROM credentials WHERE id = $1 FOR UPDATE`,
		credentialID).Scan(&providerID, &isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}

	if isActive {
		var others int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM credentials
			WHERE provider_id = $1 AND is_active AND id <> $2`,
			providerID, credentialID).Scan(&others)
		if err != nil {
			return fmt.Errorf("failed to count credentials: %w", err)
		}
		if others == 0 {
			return fmt.Errorf("%w: cannot delete the last active credential of a provider", ErrConflict)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, credentialID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ActiveAPIKey returns the decrypted key of the provider's most recent
// active credential.
func (s *CatalogService) ActiveAPIKey(ctx context.Context, providerID string) (key, credentialID string, err error) {
	var encrypted string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, api_key_encrypted FROM credentials
		WHERE provider_id = $1 AND is_active
		ORDER BY created_at DESC LIMIT 1`, providerID).Scan(&credentialID, &encrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("%w: no active credential for provider %s", ErrNotFound, providerID)
		}
		return "", "", fmt.Errorf("failed to load credential: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt api key: %w", err)
	}
	return plaintext, credentialID, nil
}

func validProviderKind(kind models.ProviderKind) bool {
	for _, valid := range models.ValidProviderKinds {
		if kind == valid {
			return true
		}
	}
	return false
}

const providerSelect = `
	SELECT id, name, tag, kind, base_urls, created_at, updated_at
	FROM providers`

func scanProvider(row rowScanner) (*models.Provider, error) {
	var (
		provider models.Provider
		urlsJSON []byte
	)
	err := row.Scan(&provider.ID, &provider.Name, &provider.Tag, &provider.Kind,
		&urlsJSON, &provider.CreatedAt, &provider.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	if err := json.Unmarshal(urlsJSON, &provider.BaseURLs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base urls: %w", err)
	}
	return &provider, nil
}

const modelSelect = `
	SELECT id, provider_id, model_id, display_name, max_tokens, enabled, created_at, updated_at
	FROM models`

func scanModel(row rowScanner) (*models.LLMModel, error) {
	var model models.LLMModel
	err := row.Scan(&model.ID, &model.ProviderID, &model.ModelID, &model.DisplayName,
		&model.MaxTokens, &model.Enabled, &model.CreatedAt, &model.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	return &model, nil
}

package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/models"
)

// createProviderHandler handles POST /api/v1/providers.
func (s *Server) createProviderHandler(c *echo.Context) error {
	var req models.CreateProviderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	provider, err := s.catalog.CreateProvider(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, provider)
}

// listProvidersHandler handles GET /api/v1/providers.
func (s *Server) listProvidersHandler(c *echo.Context) error {
	providers, err := s.catalog.ListProviders(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, providers)
}

// getProviderHandler handles GET /api/v1/providers/:id.
func (s *Server) getProviderHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	provider, err := s.catalog.GetProvider(c.Request().Context(), providerID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, provider)
}

// updateProviderHandler handles PATCH /api/v1/providers/:id.
func (s *Server) updateProviderHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	var req models.UpdateProviderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	provider, err := s.catalog.UpdateProvider(c.Request().Context(), providerID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, provider)
}

// deleteProviderHandler handles DELETE /api/v1/providers/:id.
func (s *Server) deleteProviderHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	if err := s.catalog.DeleteProvider(c.Request().Context(), providerID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// createModelHandler handles POST /api/v1/providers/:id/models.
func (s *Server) createModelHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	var req models.CreateModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	model, err := s.catalog.CreateModel(c.Request().Context(), providerID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, model)
}

// listModelsHandler handles GET /api/v1/providers/:id/models.
func (s *Server) listModelsHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	list, err := s.catalog.ListModels(c.Request().Context(), providerID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, list)
}

// updateModelHandler handles PATCH /api/v1/models/:id.
func (s *Server) updateModelHandler(c *echo.Context) error {
	modelID := c.Param("id")
	if modelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "model id is required")
	}

	var req models.UpdateModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	model, err := s.catalog.UpdateModel(c.Request().Context(), modelID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, model)
}

// createCredentialHandler handles POST /api/v1/providers/:id/credentials.
// The response carries only the key hint; the key itself is stored
// encrypted and never returned.
func (s *Server) createCredentialHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	var req models.CreateCredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cred, err := s.catalog.CreateCredential(c.Request().Context(), providerID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, cred)
}

// listCredentialsHandler handles GET /api/v1/providers/:id/credentials.
func (s *Server) listCredentialsHandler(c *echo.Context) error {
	providerID := c.Param("id")
	if providerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider id is required")
	}

	creds, err := s.catalog.ListCredentials(c.Request().Context(), providerID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, creds)
}

// deleteCredentialHandler handles DELETE /api/v1/credentials/:id.
func (s *Server) deleteCredentialHandler(c *echo.Context) error {
	credentialID := c.Param("id")
	if credentialID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential id is required")
	}

	if err := s.catalog.DeleteCredential(c.Request().Context(), credentialID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/models"
)

// createTeamHandler handles POST /api/v1/teams.
func (s *Server) createTeamHandler(c *echo.Context) error {
	var req models.CreateTeamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	team, err := s.teams.CreateTeam(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, team)
}

// listTeamsHandler handles GET /api/v1/teams.
func (s *Server) listTeamsHandler(c *echo.Context) error {
	var filters models.TeamFilters

	if v := c.QueryParam("status"); v != "" {
		switch models.TeamStatus(v) {
		case models.TeamActive, models.TeamInactive, models.TeamError:
			filters.Status = v
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be active, inactive, or error")
		}
	}
	filters.Limit, filters.Offset = parsePage(c)

	result, err := s.teams.ListTeams(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// getTeamHandler handles GET /api/v1/teams/:id.
func (s *Server) getTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	team, err := s.teams.GetTeam(c.Request().Context(), teamID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, team)
}

// updateTeamHandler handles PATCH /api/v1/teams/:id.
func (s *Server) updateTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	var req models.UpdateTeamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	team, err := s.teams.UpdateTeam(c.Request().Context(), teamID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, team)
}

// deleteTeamHandler handles DELETE /api/v1/teams/:id.
func (s *Server) deleteTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	if err := s.teams.DeleteTeam(c.Request().Context(), teamID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// validateTopologyHandler handles POST /api/v1/teams/:id/validate.
// A topology in the body is validated as-is; an empty body validates the
// team's stored topology. Validation issues are reported in the result,
// not as an error status.
func (s *Server) validateTopologyHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	var req ValidateTopologyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	topo := req.Topology
	if len(topo.Nodes) == 0 {
		team, err := s.teams.GetTeam(c.Request().Context(), teamID)
		if err != nil {
			return mapServiceError(err)
		}
		topo = team.Topology
	}

	result, err := s.teams.ValidateTopology(c.Request().Context(), &topo)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// parsePage reads limit/offset query params, clamped to the service
// bounds. Unparseable values fall back to the defaults.
func parsePage(c *echo.Context) (limit, offset int) {
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return models.ClampPage(limit, offset)
}

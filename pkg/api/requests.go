package api

import (
	"github.com/aiops-hub/maestro/pkg/models"
)

// ValidateTopologyRequest is the HTTP request body for
// POST /api/v1/teams/:id/validate. When the topology is omitted the
// team's stored topology is validated instead.
type ValidateTopologyRequest struct {
	Topology models.TopologyConfig `json:"topology"`
}

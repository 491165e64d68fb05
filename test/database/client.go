// Package database provides test database clients backed by the shared
// per-test-schema setup in test/util.
package database

import (
	"testing"

	"github.com/aiops-hub/maestro/pkg/database"
	"github.com/aiops-hub/maestro/test/util"
)

// NewTestClient creates a migrated database client in a fresh schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: uses a shared testcontainer. Cleanup
// (schema drop and connection close) is registered on t automatically.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromDB(util.SetupTestDatabase(t))
}

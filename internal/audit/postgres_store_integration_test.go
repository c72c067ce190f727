//go:build integration

package audit_test

import (
	"testing"

	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/platform/pgtest"
)

func TestPostgresStore(t *testing.T) {
	pool := pgtest.NewPool(t)
	storeContract(t, audit.NewPostgresStore(pool))
}

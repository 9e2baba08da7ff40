package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/repo/repotest"
)

func TestHandlePostgresError(t *testing.T) {
	r := &Repository{}

	err := r.handlePostgresError("add package", &pgconn.PgError{Code: "23505", ConstraintName: "packages_id_version_key"})
	assert.True(t, errors.Is(err, errUniqueViolation))

	err = r.handlePostgresError("find package", fmt.Errorf("scan: %w", pgx.ErrNoRows))
	assert.True(t, errors.Is(err, registry.ErrPackageNotFound))

	err = r.handlePostgresError("find package", &pgconn.PgError{Code: "42P01"})
	assert.True(t, errors.Is(err, registry.ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "migration required")

	err = r.handlePostgresError("find package", errors.New("connection refused"))
	assert.True(t, errors.Is(err, registry.ErrBackendUnavailable))
	assert.False(t, errors.Is(err, registry.ErrPackageNotFound))
}

// TestRepository runs the Database contract against PostgreSQL when
// TEST_DATABASE_URL points at a disposable database.
func TestRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")

	repotest.Run(t, func(t *testing.T) registry.Database {
		repo := NewWithPool(pool)
		_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS package_dependencies, packages`)
		require.NoError(t, err)
		require.NoError(t, repo.Migrate(ctx))
		return repo
	})
}

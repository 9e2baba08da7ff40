package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
	"github.com/tendant/simple-registry/pkg/registry/repo/repotest"
)

func TestRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) registry.Database { return New() })
}

func TestRepository_ReturnsCopies(t *testing.T) {
	repo := New()
	ctx := context.Background()

	pkg := registrytest.NewPackage("Foo", "1.0.0")
	_, err := repo.Add(ctx, pkg)
	require.NoError(t, err)

	pkg.Description = "mutated after add"
	found, err := repo.Find(ctx, "foo", "1.0.0")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated after add", found.Description)

	found.Tags = append(found.Tags, "mutated")
	again, err := repo.Find(ctx, "foo", "1.0.0")
	require.NoError(t, err)
	assert.Empty(t, again.Tags)
}

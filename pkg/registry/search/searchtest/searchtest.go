// Package searchtest holds behaviour tests shared by every SearchIndex
// implementation.
package searchtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
)

// Setup returns an empty catalog and an index over it.
type Setup func(t *testing.T) (registry.Database, registry.SearchIndex)

// add records pkg in the catalog and pushes it into the index, the way the
// publish path does.
func add(t *testing.T, db registry.Database, index registry.SearchIndex, pkg *registry.Package) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Add(ctx, pkg)
	require.NoError(t, err)
	require.NoError(t, index.Index(ctx, pkg))
}

func ids(hits []*registry.SearchHit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ID)
	}
	return out
}

// Run exercises the SearchIndex contract
func Run(t *testing.T, setup Setup) {
	ctx := context.Background()

	t.Run("SearchMatchesIDTitleAndTags", func(t *testing.T) {
		db, index := setup(t)
		json := registrytest.NewPackage("Newtonsoft.Json", "13.0.1")
		json.Downloads = 100
		http := registrytest.NewPackage("Contoso.Http", "1.0.0")
		http.Tags = []string{"JSON", "rest"}
		http.Downloads = 10
		other := registrytest.NewPackage("Other", "1.0.0")
		other.Title = "Unrelated"
		add(t, db, index, json)
		add(t, db, index, http)
		add(t, db, index, other)

		results, err := index.Search(ctx, registry.SearchQuery{Term: "json", Take: 20})
		require.NoError(t, err)
		assert.Equal(t, 2, results.TotalHits)
		assert.Equal(t, []string{"Newtonsoft.Json", "Contoso.Http"}, ids(results.Hits))

		results, err = index.Search(ctx, registry.SearchQuery{Take: 20})
		require.NoError(t, err)
		assert.Equal(t, 3, results.TotalHits)
	})

	t.Run("SearchPaging", func(t *testing.T) {
		db, index := setup(t)
		for _, id := range []string{"a", "b", "c", "d"} {
			add(t, db, index, registrytest.NewPackage(id, "1.0.0"))
		}
		results, err := index.Search(ctx, registry.SearchQuery{Skip: 1, Take: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, results.TotalHits)
		assert.Equal(t, []string{"b", "c"}, ids(results.Hits))

		results, err = index.Search(ctx, registry.SearchQuery{Skip: 10, Take: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, results.TotalHits)
		assert.Empty(t, results.Hits)
	})

	t.Run("SearchFilters", func(t *testing.T) {
		db, index := setup(t)
		add(t, db, index, registrytest.NewPackage("Foo", "1.0.0"))
		add(t, db, index, registrytest.NewPackage("Foo", "2.0.0-beta"))
		add(t, db, index, registrytest.NewPackage("Foo", "3.0.0+build"))
		tool := registrytest.NewPackage("Foo.Tool", "1.0.0")
		tool.PackageTypes = []registry.PackageType{{Name: "DotnetTool"}}
		tool.TargetFrameworks = []string{"net8.0"}
		add(t, db, index, tool)

		results, err := index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20})
		require.NoError(t, err)
		require.Len(t, results.Hits, 2)
		foo := results.Hits[0]
		if foo.ID != "Foo" {
			foo = results.Hits[1]
		}
		require.Len(t, foo.Versions, 1)
		assert.Equal(t, "1.0.0", foo.Latest().Version.String())

		results, err = index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20, IncludePrerelease: true, IncludeSemVer2: true})
		require.NoError(t, err)
		for _, hit := range results.Hits {
			if hit.ID == "Foo" {
				assert.Len(t, hit.Versions, 3)
				assert.Equal(t, "3.0.0", hit.Latest().Version.String())
			}
		}

		results, err = index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20, PackageType: "dotnettool"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Foo.Tool"}, ids(results.Hits))

		results, err = index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20, Framework: "NET8.0"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Foo.Tool"}, ids(results.Hits))
	})

	t.Run("UnlistedVersionsAreHidden", func(t *testing.T) {
		db, index := setup(t)
		add(t, db, index, registrytest.NewPackage("Foo", "1.0.0"))
		add(t, db, index, registrytest.NewPackage("Foo", "2.0.0"))

		require.NoError(t, db.Unlist(ctx, "foo", "2.0.0"))
		pkg, err := db.Find(ctx, "foo", "2.0.0")
		require.NoError(t, err)
		require.NoError(t, index.Index(ctx, pkg))

		results, err := index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20})
		require.NoError(t, err)
		require.Len(t, results.Hits, 1)
		assert.Equal(t, "1.0.0", results.Hits[0].Latest().Version.String())

		require.NoError(t, db.Unlist(ctx, "foo", "1.0.0"))
		pkg, err = db.Find(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		require.NoError(t, index.Index(ctx, pkg))

		results, err = index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20})
		require.NoError(t, err)
		assert.Zero(t, results.TotalHits)
	})

	t.Run("DeleteRemovesVersion", func(t *testing.T) {
		db, index := setup(t)
		add(t, db, index, registrytest.NewPackage("Foo", "1.0.0"))

		require.NoError(t, db.HardDelete(ctx, "foo", "1.0.0"))
		require.NoError(t, index.Delete(ctx, "Foo", "1.0.0"))
		// Deleting twice is harmless.
		require.NoError(t, index.Delete(ctx, "Foo", "1.0.0"))

		results, err := index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20})
		require.NoError(t, err)
		assert.Zero(t, results.TotalHits)

		auto, err := index.Autocomplete(ctx, registry.AutocompleteQuery{Term: "foo", Take: 20})
		require.NoError(t, err)
		assert.Empty(t, auto.IDs)
	})

	t.Run("AutocompleteMatchesPrefix", func(t *testing.T) {
		db, index := setup(t)
		add(t, db, index, registrytest.NewPackage("Contoso.Core", "1.0.0"))
		add(t, db, index, registrytest.NewPackage("Contoso.Web", "1.0.0"))
		add(t, db, index, registrytest.NewPackage("MyContoso", "1.0.0"))
		add(t, db, index, registrytest.NewPackage("Contoso.Beta", "1.0.0-beta"))

		results, err := index.Autocomplete(ctx, registry.AutocompleteQuery{Term: "contoso", Take: 20})
		require.NoError(t, err)
		assert.Equal(t, 2, results.TotalHits)
		assert.Equal(t, []string{"Contoso.Core", "Contoso.Web"}, results.IDs)

		results, err = index.Autocomplete(ctx, registry.AutocompleteQuery{Term: "contoso", Take: 1, Skip: 1, IncludePrerelease: true})
		require.NoError(t, err)
		assert.Equal(t, 3, results.TotalHits)
		assert.Equal(t, []string{"Contoso.Core"}, results.IDs)
	})

	t.Run("Dependents", func(t *testing.T) {
		db, index := setup(t)
		lib := registrytest.NewPackage("Lib", "1.0.0")
		app := registrytest.NewPackage("App", "1.0.0")
		app.Dependencies = []registry.PackageDependency{{TargetFramework: "net8.0", ID: "LIB", VersionRange: "[1.0.0, )"}}
		tool := registrytest.NewPackage("Tool", "1.0.0-beta")
		tool.Dependencies = []registry.PackageDependency{{ID: "lib"}}
		add(t, db, index, lib)
		add(t, db, index, app)
		add(t, db, index, tool)

		results, err := index.Dependents(ctx, registry.DependentsQuery{ID: "lib", Take: 20})
		require.NoError(t, err)
		assert.Equal(t, 2, results.TotalHits)
		assert.ElementsMatch(t, []string{"App", "Tool"}, ids(results.Hits))

		results, err = index.Dependents(ctx, registry.DependentsQuery{ID: "app", Take: 20})
		require.NoError(t, err)
		assert.Zero(t, results.TotalHits)
	})
}

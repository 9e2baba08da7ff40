// Package repotest holds behaviour tests shared by every Database
// implementation.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
)

// Run exercises the Database contract. newDB must return an empty database
// for every call.
func Run(t *testing.T, newDB func(t *testing.T) registry.Database) {
	ctx := context.Background()

	t.Run("AddAndFind", func(t *testing.T) {
		db := newDB(t)
		pkg := registrytest.NewPackage("Foo.Bar", "1.0.0-Beta")
		pkg.Tags = []string{"json", "http"}
		pkg.Dependencies = []registry.PackageDependency{
			{TargetFramework: "net8.0", ID: "Newtonsoft.Json", VersionRange: "[13.0.1, )"},
			{TargetFramework: "netstandard2.0"},
		}

		result, err := db.Add(ctx, pkg)
		require.NoError(t, err)
		assert.Equal(t, registry.PackageAdded, result)

		found, err := db.Find(ctx, "foo.bar", "1.0.0-beta")
		require.NoError(t, err)
		assert.Equal(t, "Foo.Bar", found.ID)
		assert.Equal(t, "1.0.0-Beta", found.Version.String())
		assert.Equal(t, pkg.Hash, found.Hash)
		assert.Equal(t, pkg.Tags, found.Tags)
		assert.Equal(t, pkg.Dependencies, found.Dependencies)
		assert.True(t, found.Published.Equal(pkg.Published))

		exists, err := db.Exists(ctx, "FOO.BAR", "1.0.0-beta")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("FindMissing", func(t *testing.T) {
		db := newDB(t)
		_, err := db.Find(ctx, "missing", "1.0.0")
		assert.True(t, errors.Is(err, registry.ErrPackageNotFound), "got %v", err)

		exists, err := db.Exists(ctx, "missing", "1.0.0")
		require.NoError(t, err)
		assert.False(t, exists)

		all, err := db.FindAll(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("AddDuplicateReportsAlreadyExists", func(t *testing.T) {
		db := newDB(t)
		_, err := db.Add(ctx, registrytest.NewPackage("Foo", "1.0.0"))
		require.NoError(t, err)

		result, err := db.Add(ctx, registrytest.NewPackage("FOO", "1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, registry.PackageAlreadyExists, result)
	})

	t.Run("ConcurrentAddOneWinner", func(t *testing.T) {
		db := newDB(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		added := 0
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := db.Add(ctx, registrytest.NewPackage("Race", "1.0.0"))
				if !assert.NoError(t, err) {
					return
				}
				if result == registry.PackageAdded {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, added)
	})

	t.Run("FindAllOrdersVersions", func(t *testing.T) {
		db := newDB(t)
		for _, v := range []string{"2.0.0", "1.0.0", "10.0.0", "2.0.0-beta", "1.0.0.1"} {
			_, err := db.Add(ctx, registrytest.NewPackage("Foo", v))
			require.NoError(t, err)
		}
		_, err := db.Add(ctx, registrytest.NewPackage("Other", "1.0.0"))
		require.NoError(t, err)

		all, err := db.FindAll(ctx, "foo")
		require.NoError(t, err)
		var versions []string
		for _, p := range all {
			versions = append(versions, p.Version.String())
		}
		assert.Equal(t, []string{"1.0.0", "1.0.0.1", "2.0.0-beta", "2.0.0", "10.0.0"}, versions)
	})

	t.Run("UnlistRelist", func(t *testing.T) {
		db := newDB(t)
		_, err := db.Add(ctx, registrytest.NewPackage("Foo", "1.0.0"))
		require.NoError(t, err)

		require.NoError(t, db.Unlist(ctx, "foo", "1.0.0"))
		pkg, err := db.Find(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.False(t, pkg.Listed)

		require.NoError(t, db.Relist(ctx, "foo", "1.0.0"))
		pkg, err = db.Find(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.True(t, pkg.Listed)

		err = db.Unlist(ctx, "foo", "9.9.9")
		assert.True(t, errors.Is(err, registry.ErrPackageNotFound), "got %v", err)
	})

	t.Run("HardDelete", func(t *testing.T) {
		db := newDB(t)
		_, err := db.Add(ctx, registrytest.NewPackage("Foo", "1.0.0"))
		require.NoError(t, err)

		require.NoError(t, db.HardDelete(ctx, "Foo", "1.0.0"))
		_, err = db.Find(ctx, "foo", "1.0.0")
		assert.True(t, errors.Is(err, registry.ErrPackageNotFound))

		err = db.HardDelete(ctx, "Foo", "1.0.0")
		assert.True(t, errors.Is(err, registry.ErrPackageNotFound))

		ids, err := db.ListIDs(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)

		result, err := db.Add(ctx, registrytest.NewPackage("Foo", "1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, registry.PackageAdded, result)
	})

	t.Run("Downloads", func(t *testing.T) {
		db := newDB(t)
		_, err := db.Add(ctx, registrytest.NewPackage("Foo", "1.0.0"))
		require.NoError(t, err)

		require.NoError(t, db.IncrementDownloads(ctx, "foo", "1.0.0"))
		require.NoError(t, db.IncrementDownloads(ctx, "FOO", "1.0.0"))
		pkg, err := db.Find(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, int64(2), pkg.Downloads)

		require.NoError(t, db.SetDownloads(ctx, "foo", "1.0.0", 500))
		pkg, err = db.Find(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, int64(500), pkg.Downloads)

		err = db.IncrementDownloads(ctx, "foo", "2.0.0")
		assert.True(t, errors.Is(err, registry.ErrPackageNotFound))
	})

	t.Run("GetDependents", func(t *testing.T) {
		db := newDB(t)
		lib := registrytest.NewPackage("Lib", "1.0.0")
		app := registrytest.NewPackage("App", "1.0.0")
		app.Dependencies = []registry.PackageDependency{{TargetFramework: "net8.0", ID: "LIB", VersionRange: "1.0.0"}}
		hidden := registrytest.NewPackage("Hidden", "1.0.0")
		hidden.Dependencies = []registry.PackageDependency{{ID: "lib"}}
		hidden.Listed = false
		tool := registrytest.NewPackage("Tool", "2.0.0")
		tool.Dependencies = []registry.PackageDependency{{ID: "Lib"}, {TargetFramework: "net6.0", ID: "Lib"}}

		for _, p := range []*registry.Package{lib, app, hidden, tool} {
			_, err := db.Add(ctx, p)
			require.NoError(t, err)
		}

		dependents, err := db.GetDependents(ctx, "lib")
		require.NoError(t, err)
		assert.Equal(t, []string{"app", "tool"}, dependents)

		require.NoError(t, db.HardDelete(ctx, "tool", "2.0.0"))
		dependents, err = db.GetDependents(ctx, "Lib")
		require.NoError(t, err)
		assert.Equal(t, []string{"app"}, dependents)
	})

	t.Run("Search", func(t *testing.T) {
		db := newDB(t)
		json := registrytest.NewPackage("Acme.Json", "1.0.0")
		json.Tags = []string{"serializer"}
		http := registrytest.NewPackage("Acme.Http", "1.0.0")
		http.Title = "HTTP Client"
		unlisted := registrytest.NewPackage("Acme.Json", "2.0.0")
		unlisted.Listed = false

		for _, p := range []*registry.Package{json, http, unlisted} {
			_, err := db.Add(ctx, p)
			require.NoError(t, err)
		}

		all, err := db.Search(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		hits, err := db.Search(ctx, "serial")
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "Acme.Json", hits[0].ID)

		hits, err = db.Search(ctx, "client")
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "Acme.Http", hits[0].ID)

		hits, err = db.Search(ctx, "acme")
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})

	t.Run("ListIDs", func(t *testing.T) {
		db := newDB(t)
		for _, p := range []*registry.Package{
			registrytest.NewPackage("Zed", "1.0.0"),
			registrytest.NewPackage("Alpha", "1.0.0"),
			registrytest.NewPackage("alpha", "2.0.0"),
		} {
			_, err := db.Add(ctx, p)
			require.NoError(t, err)
		}

		ids, err := db.ListIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zed"}, ids)
	})
}

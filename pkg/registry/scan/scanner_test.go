package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
	"github.com/tendant/simple-registry/pkg/registry/repo/memory"
	redisindex "github.com/tendant/simple-registry/pkg/registry/search/redis"
)

func seed(t *testing.T, db registry.Database, pkgs ...*registry.Package) {
	t.Helper()
	for _, pkg := range pkgs {
		_, err := db.Add(context.Background(), pkg)
		require.NoError(t, err)
	}
}

func TestScan(t *testing.T) {
	db := memory.New()
	seed(t, db,
		registrytest.NewPackage("Alpha", "1.0.0"),
		registrytest.NewPackage("Alpha", "2.0.0"),
		registrytest.NewPackage("Beta", "1.0.0"),
		registrytest.NewPackage("Gamma", "1.0.0"),
	)
	scanner := New(db, nil)

	t.Run("processes every id", func(t *testing.T) {
		seen := map[string]int{}
		result, err := scanner.ForEach(context.Background(), func(_ context.Context, id string, versions []*registry.Package) error {
			seen[id] = len(versions)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"alpha": 2, "beta": 1, "gamma": 1}, seen)
		assert.EqualValues(t, 3, result.TotalFound)
		assert.EqualValues(t, 3, result.TotalProcessed)
		assert.EqualValues(t, 4, result.TotalVersions)
	})

	t.Run("failures are recorded and scanning continues", func(t *testing.T) {
		result, err := scanner.ForEach(context.Background(), func(_ context.Context, id string, _ []*registry.Package) error {
			if id == "beta" {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.EqualValues(t, 2, result.TotalProcessed)
		assert.EqualValues(t, 1, result.TotalFailed)
		assert.Equal(t, []string{"beta"}, result.FailedIDs)
	})

	t.Run("progress per batch", func(t *testing.T) {
		var progress []int64
		_, err := scanner.Scan(context.Background(), ScanOptions{
			DryRun:    true,
			BatchSize: 2,
			OnProgress: func(processed, total int64) {
				assert.EqualValues(t, 3, total)
				progress = append(progress, processed)
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, progress)
	})

	t.Run("processor required", func(t *testing.T) {
		_, err := scanner.Scan(context.Background(), ScanOptions{})
		assert.Error(t, err)
	})

	t.Run("cancelled context stops the scan", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := scanner.Scan(ctx, ScanOptions{DryRun: true})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	seed(t, db,
		registrytest.NewPackage("Foo.Bar", "1.0.0"),
		registrytest.NewPackage("Foo.Bar", "2.0.0"),
		registrytest.NewPackage("Foo.Baz", "1.0.0"),
	)
	require.NoError(t, db.Unlist(ctx, "Foo.Bar", "2.0.0"))

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	index := redisindex.New(client, "test:")

	// a stale entry for the now unlisted version
	stale := registrytest.NewPackage("Foo.Bar", "2.0.0")
	require.NoError(t, index.Index(ctx, stale))

	var calls int
	result, err := New(db, nil).Reindex(ctx, index, func(_, _ int64) { calls++ })
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, calls)

	results, err := index.Search(ctx, registry.SearchQuery{Term: "foo", Take: 20})
	require.NoError(t, err)
	require.Equal(t, 2, results.TotalHits)
	assert.Equal(t, "Foo.Bar", results.Hits[0].ID)
	require.Len(t, results.Hits[0].Versions, 1)
	assert.Equal(t, "1.0.0", results.Hits[0].Latest().VersionKey())
}

// Package storagetest holds behaviour tests shared by every BlobStore
// implementation.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Run exercises the BlobStore contract against store.
func Run(t *testing.T, store registry.BlobStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		result, err := store.Put(ctx, "packages/foo/1.0.0/foo.1.0.0.nupkg", strings.NewReader("archive"), "application/octet-stream")
		require.NoError(t, err)
		assert.Equal(t, registry.PutCreated, result)

		assert.Equal(t, "archive", read(t, store, "packages/foo/1.0.0/foo.1.0.0.nupkg"))
	})

	t.Run("PutIdentical", func(t *testing.T) {
		path := "packages/bar/1.0.0/bar.nuspec"
		_, err := store.Put(ctx, path, strings.NewReader("<package/>"), "text/xml")
		require.NoError(t, err)

		result, err := store.Put(ctx, path, strings.NewReader("<package/>"), "text/xml")
		require.NoError(t, err)
		assert.Equal(t, registry.PutIdentical, result)
	})

	t.Run("PutConflictKeepsOriginal", func(t *testing.T) {
		path := "packages/baz/1.0.0/readme"
		_, err := store.Put(ctx, path, strings.NewReader("first"), "text/markdown")
		require.NoError(t, err)

		result, err := store.Put(ctx, path, strings.NewReader("second"), "text/markdown")
		require.NoError(t, err)
		assert.Equal(t, registry.PutConflict, result)
		assert.Equal(t, "first", read(t, store, path))
	})

	t.Run("ConcurrentPutsStoreOneBlob", func(t *testing.T) {
		path := "packages/race/1.0.0/race.1.0.0.nupkg"
		var wg sync.WaitGroup
		results := make([]registry.PutResult, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := store.Put(ctx, path, bytes.NewReader([]byte("same bytes")), "application/octet-stream")
				assert.NoError(t, err)
				results[i] = r
			}()
		}
		wg.Wait()

		created := 0
		for _, r := range results {
			assert.NotEqual(t, registry.PutConflict, r)
			if r == registry.PutCreated {
				created++
			}
		}
		assert.GreaterOrEqual(t, created, 1)
		assert.Equal(t, "same bytes", read(t, store, path))
	})

	t.Run("ConcurrentPutsOfDifferentBytesKeepOneWriter", func(t *testing.T) {
		path := "packages/contest/1.0.0/contest.1.0.0.nupkg"
		var wg sync.WaitGroup
		results := make([]registry.PutResult, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := store.Put(ctx, path, strings.NewReader(fmt.Sprintf("writer-%d", i)), "application/octet-stream")
				assert.NoError(t, err)
				results[i] = r
			}()
		}
		wg.Wait()

		winner := -1
		for i, r := range results {
			if r == registry.PutCreated {
				require.Equal(t, -1, winner, "more than one writer created the blob")
				winner = i
				continue
			}
			assert.Equal(t, registry.PutConflict, r)
		}
		require.NotEqual(t, -1, winner)
		assert.Equal(t, fmt.Sprintf("writer-%d", winner), read(t, store, path))
	})

	t.Run("ReplaceOverwrites", func(t *testing.T) {
		path := "packages/orphan/1.0.0/orphan.nuspec"
		_, err := store.Put(ctx, path, strings.NewReader("stale"), "text/xml")
		require.NoError(t, err)

		require.NoError(t, store.Replace(ctx, path, strings.NewReader("fresh"), "text/xml"))
		assert.Equal(t, "fresh", read(t, store, path))

		result, err := store.Put(ctx, path, strings.NewReader("fresh"), "text/xml")
		require.NoError(t, err)
		assert.Equal(t, registry.PutIdentical, result)
	})

	t.Run("ReplaceCreates", func(t *testing.T) {
		path := "packages/new/1.0.0/readme"
		require.NoError(t, store.Replace(ctx, path, strings.NewReader("# new"), "text/markdown"))
		assert.Equal(t, "# new", read(t, store, path))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "packages/missing/1.0.0/missing.1.0.0.nupkg")
		assert.True(t, errors.Is(err, registry.ErrBlobNotFound), "got %v", err)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		path := "packages/gone/1.0.0/gone.1.0.0.nupkg"
		_, err := store.Put(ctx, path, strings.NewReader("x"), "application/octet-stream")
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, path))
		require.NoError(t, store.Delete(ctx, path))

		_, err = store.Get(ctx, path)
		assert.True(t, errors.Is(err, registry.ErrBlobNotFound), "got %v", err)
	})

	t.Run("PutAfterDelete", func(t *testing.T) {
		path := "symbols/app.pdb/abc/app.pdb"
		_, err := store.Put(ctx, path, strings.NewReader("one"), "application/octet-stream")
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, path))

		result, err := store.Put(ctx, path, strings.NewReader("two"), "application/octet-stream")
		require.NoError(t, err)
		assert.Equal(t, registry.PutCreated, result)
		assert.Equal(t, "two", read(t, store, path))
	})
}

func read(t *testing.T, store registry.BlobStore, path string) string {
	t.Helper()
	rc, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

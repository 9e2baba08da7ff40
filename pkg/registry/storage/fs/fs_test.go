package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/storage/storagetest"
)

func TestFSBackend(t *testing.T) {
	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	storagetest.Run(t, b)
}

func TestFSBackend_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFSBackend_DeleteCleansEmptyDirectories(t *testing.T) {
	tmp := t.TempDir()
	b, err := New(Config{BaseDir: tmp})
	require.NoError(t, err)
	ctx := context.Background()

	key := "packages/foo/1.0.0/foo.1.0.0.nupkg"
	_, err = b.Put(ctx, key, strings.NewReader("archive"), "application/octet-stream")
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, key))

	_, err = os.Stat(filepath.Join(tmp, "packages"))
	assert.True(t, os.IsNotExist(err), "expected empty directories removed, stat err=%v", err)
	_, err = os.Stat(tmp)
	assert.NoError(t, err, "base directory must survive cleanup")
}

func TestFSBackend_LeavesNoTempFiles(t *testing.T) {
	tmp := t.TempDir()
	b, err := New(Config{BaseDir: tmp})
	require.NoError(t, err)
	ctx := context.Background()

	key := "packages/foo/1.0.0/readme"
	_, err = b.Put(ctx, key, strings.NewReader("a"), "text/markdown")
	require.NoError(t, err)
	_, err = b.Put(ctx, key, strings.NewReader("b"), "text/markdown")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(tmp, "packages", "foo", "1.0.0"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readme", entries[0].Name())
}

func TestFSBackend_RejectsEscapingPaths(t *testing.T) {
	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = b.Put(context.Background(), "../outside", strings.NewReader("x"), "text/plain")
	assert.True(t, errors.Is(err, registry.ErrBackendUnavailable))
}

func TestFSBackend_DownloadURI(t *testing.T) {
	tmp := t.TempDir()

	b, err := New(Config{BaseDir: tmp})
	require.NoError(t, err)
	_, err = b.GetDownloadURI(context.Background(), "packages/foo/1.0.0/foo.1.0.0.nupkg")
	assert.True(t, errors.Is(err, registry.ErrDownloadURIUnsupported))

	b, err = New(Config{BaseDir: tmp, URLPrefix: "https://cdn.example.com/"})
	require.NoError(t, err)
	uri, err := b.GetDownloadURI(context.Background(), "packages/foo/1.0.0/foo.1.0.0.nupkg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/packages/foo/1.0.0/foo.1.0.0.nupkg", uri)
}

func TestFSBackend_PutRacesDirectoryCleanup(t *testing.T) {
	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	// every Delete empties the shared directory and prunes it
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("packages/shared/1.0.0/blob-%d-%d", i, j)
				_, err := b.Put(ctx, key, strings.NewReader("x"), "application/octet-stream")
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, b.Delete(ctx, key))
			}
		}()
	}
	wg.Wait()
}
